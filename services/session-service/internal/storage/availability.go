package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/db"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

func (r *Repository) AddSlot(ctx context.Context, s scheduling.Slot) (scheduling.Slot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return scheduling.Slot{}, apperr.Internal(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.LockXact(ctx, tx, lockClassSlots, s.TherapistID); err != nil {
		return scheduling.Slot{}, apperr.Internal(err)
	}
	var overlaps bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM availability_slots
			WHERE therapist_id = $1 AND start_time < $3 AND end_time > $2
		)
	`, s.TherapistID, s.StartTime, s.EndTime).Scan(&overlaps); err != nil {
		return scheduling.Slot{}, apperr.Internal(err)
	}
	if overlaps {
		return scheduling.Slot{}, apperr.Conflict("slot overlaps an existing slot")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO availability_slots (id, therapist_id, start_time, end_time, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.TherapistID, s.StartTime, s.EndTime, s.CreatedAt); err != nil {
		return scheduling.Slot{}, classify(err, "slot")
	}
	if err := tx.Commit(ctx); err != nil {
		return scheduling.Slot{}, apperr.Internal(err)
	}
	return s, nil
}

func (r *Repository) ListSlots(ctx context.Context, therapistID string, after time.Time) ([]scheduling.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, therapist_id, start_time, end_time, created_at
		FROM availability_slots
		WHERE therapist_id = $1 AND start_time > $2
		ORDER BY start_time ASC
	`, therapistID, after)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	slots, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scheduling.Slot, error) {
		var s scheduling.Slot
		err := row.Scan(&s.ID, &s.TherapistID, &s.StartTime, &s.EndTime, &s.CreatedAt)
		s.StartTime, s.EndTime = s.StartTime.UTC(), s.EndTime.UTC()
		return s, err
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if slots == nil {
		slots = []scheduling.Slot{}
	}
	return slots, nil
}
