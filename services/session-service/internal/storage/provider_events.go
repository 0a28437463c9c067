package storage

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/telehealth/libs/db"
)

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

// ProviderEvents deduplicates payment provider webhooks.
type ProviderEvents struct {
	pool *db.Pool
}

func NewProviderEvents(pool *db.Pool) *ProviderEvents {
	return &ProviderEvents{pool: pool}
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// Claimed holds a provider event until the caller commits or rolls back.
type Claimed interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Claim opens a transaction holding the event's row. Commit marks the event
// processed; Rollback releases it so the provider's retry is handled again.
// A replay of a committed event returns ErrDuplicateProviderEvent.
func (p *ProviderEvents) Claim(ctx context.Context, ev ProviderEvent) (Claimed, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, ev.Provider, ev.ProviderEventID, ev.EventType, ev.Payload)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return nil, ErrDuplicateProviderEvent
	}
	return tx, nil
}
