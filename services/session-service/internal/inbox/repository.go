// Package inbox records consumed event ids so redelivered Kafka messages are
// handled once.
package inbox

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/telehealth/libs/db"
)

// Repository dedupes per consumer: two consumers of one topic each see
// every event once.
type Repository struct {
	pool     *db.Pool
	consumer string
}

func NewRepository(pool *db.Pool, consumer string) *Repository {
	return &Repository{pool: pool, consumer: consumer}
}

// Record returns false when this consumer has seen eventID before.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (consumer, event_id, event_type)
		VALUES ($1, $2, $3)
	`, r.consumer, eventID, eventType)
	if err == nil {
		return true, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return false, nil
	}
	return false, err
}
