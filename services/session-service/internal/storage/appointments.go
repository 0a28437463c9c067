package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/db"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/outbox"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

// Advisory lock classes; the second key is hashtext(therapist_id).
const (
	lockClassBooking int32 = 7730002
	lockClassSlots   int32 = 7730003
)

// Repository implements scheduling.Store.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

const appointmentColumns = `id::text, patient_id, therapist_id, scheduled_time, duration_minutes, session_type, status, created_at, updated_at`

func scanAppointment(row pgx.Row) (scheduling.Appointment, error) {
	var a scheduling.Appointment
	var status string
	err := row.Scan(&a.ID, &a.PatientID, &a.TherapistID, &a.ScheduledTime, &a.DurationMinutes,
		&a.SessionType, &status, &a.CreatedAt, &a.UpdatedAt)
	a.Status = scheduling.Status(status)
	a.ScheduledTime = a.ScheduledTime.UTC()
	return a, err
}

// Book serializes bookings per therapist with a transaction-scoped advisory
// lock, checks for a clashing active appointment and inserts. The partial
// unique index on (therapist_id, scheduled_time) backs the check up.
func (r *Repository) Book(ctx context.Context, a scheduling.Appointment, mode scheduling.ConflictMode) (scheduling.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.LockXact(ctx, tx, lockClassBooking, a.TherapistID); err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}

	var clash bool
	if mode == scheduling.ConflictExact {
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM appointments
				WHERE therapist_id = $1
					AND status IN ('scheduled', 'confirmed')
					AND scheduled_time = $2
			)
		`, a.TherapistID, a.ScheduledTime).Scan(&clash)
	} else {
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM appointments
				WHERE therapist_id = $1
					AND status IN ('scheduled', 'confirmed')
					AND scheduled_time < $3
					AND scheduled_time + make_interval(mins => duration_minutes) > $2
			)
		`, a.TherapistID, a.ScheduledTime, a.End()).Scan(&clash)
	}
	if err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	if clash {
		return scheduling.Appointment{}, apperr.Conflict("therapist already has an appointment at that time")
	}

	created, err := scanAppointment(tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, patient_id, therapist_id, scheduled_time, duration_minutes, session_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+appointmentColumns,
		a.ID, a.PatientID, a.TherapistID, a.ScheduledTime, a.DurationMinutes, a.SessionType, string(a.Status), a.CreatedAt,
	))
	if err != nil {
		if isConstraint(err) {
			return scheduling.Appointment{}, apperr.Conflict("therapist already has an appointment at that time")
		}
		return scheduling.Appointment{}, apperr.Internal(err)
	}

	payload, _ := json.Marshal(outbox.AppointmentBooked{
		AppointmentID:   created.ID,
		PatientID:       created.PatientID,
		TherapistID:     created.TherapistID,
		ScheduledTime:   created.ScheduledTime,
		DurationMinutes: created.DurationMinutes,
		SessionType:     created.SessionType,
		OccurredAt:      created.CreatedAt,
	})
	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: outbox.AggregateAppointment,
		AggregateID:   created.ID,
		EventType:     outbox.TypeAppointmentBooked,
		Payload:       payload,
	}); err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isConstraint(err) {
			return scheduling.Appointment{}, apperr.Conflict("therapist already has an appointment at that time")
		}
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (scheduling.Appointment, error) {
	a, err := scanAppointment(r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	return a, classify(err, "appointment")
}

func (r *Repository) ListByPatient(ctx context.Context, patientID string) ([]scheduling.Appointment, error) {
	return r.list(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE patient_id = $1 ORDER BY scheduled_time ASC`, patientID)
}

func (r *Repository) ListByTherapist(ctx context.Context, therapistID string) ([]scheduling.Appointment, error) {
	return r.list(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE therapist_id = $1 ORDER BY scheduled_time ASC`, therapistID)
}

func (r *Repository) list(ctx context.Context, query string, arg string) ([]scheduling.Appointment, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scheduling.Appointment, error) {
		return scanAppointment(row)
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if out == nil {
		out = []scheduling.Appointment{}
	}
	return out, nil
}

// SetStatus moves the appointment to `to` when its current status is in
// from, recording a status_changed event in the same transaction.
func (r *Repository) SetStatus(ctx context.Context, id string, from []scheduling.Status, to scheduling.Status, at time.Time) (scheduling.Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanAppointment(tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return scheduling.Appointment{}, classify(err, "appointment")
	}
	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return scheduling.Appointment{}, apperr.InvalidTransition("appointment is " + string(current.Status))
	}

	updated, err := scanAppointment(tx.QueryRow(ctx, `
		UPDATE appointments SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+appointmentColumns, id, string(to), at))
	if err != nil {
		return scheduling.Appointment{}, classify(err, "appointment")
	}

	payload, _ := json.Marshal(outbox.AppointmentStatusChanged{
		AppointmentID: updated.ID,
		PatientID:     updated.PatientID,
		TherapistID:   updated.TherapistID,
		From:          string(current.Status),
		To:            string(updated.Status),
		OccurredAt:    at,
	})
	if err := r.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: outbox.AggregateAppointment,
		AggregateID:   updated.ID,
		EventType:     outbox.TypeAppointmentStatusChanged,
		Payload:       payload,
	}); err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return scheduling.Appointment{}, apperr.Internal(err)
	}
	return updated, nil
}

var _ scheduling.Store = (*Repository)(nil)
