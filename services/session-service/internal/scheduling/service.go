// Package scheduling books appointments and manages therapist availability.
package scheduling

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

const (
	DefaultDurationMinutes = 60
	MaxDurationMinutes     = 480
	maxSessionTypeLen      = 100
	maxSlotLength          = 12 * time.Hour
)

type Directory interface {
	Lookup(ctx context.Context, id string) (Person, error)
}

// Store persists appointments and slots. Book must run its conflict check and
// insert atomically, returning apperr.ErrConflict when the slot is taken.
// SetStatus applies only when the current status is in from.
type Store interface {
	Book(ctx context.Context, a Appointment, mode ConflictMode) (Appointment, error)
	Get(ctx context.Context, id string) (Appointment, error)
	ListByPatient(ctx context.Context, patientID string) ([]Appointment, error)
	ListByTherapist(ctx context.Context, therapistID string) ([]Appointment, error)
	SetStatus(ctx context.Context, id string, from []Status, to Status, at time.Time) (Appointment, error)
	AddSlot(ctx context.Context, s Slot) (Slot, error)
	ListSlots(ctx context.Context, therapistID string, after time.Time) ([]Slot, error)
}

// Stats observes booking outcomes.
type Stats interface {
	Booking(outcome string)
}

type Service struct {
	store Store
	dir   Directory
	mode  ConflictMode
	now   func() time.Time
	stats Stats
	// pastGrace > 0 rejects bookings that start more than pastGrace before now.
	pastGrace time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithStats(st Stats) Option            { return func(s *Service) { s.stats = st } }

// WithPastBookingGuard rejects bookings that start more than grace before
// now. Past bookings are accepted when the option is absent or grace <= 0.
func WithPastBookingGuard(grace time.Duration) Option {
	return func(s *Service) { s.pastGrace = grace }
}

func NewService(store Store, dir Directory, mode ConflictMode, opts ...Option) *Service {
	s := &Service{store: store, dir: dir, mode: mode, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Mode() ConflictMode { return s.mode }

type BookRequest struct {
	PatientID       string
	TherapistID     string
	ScheduledTime   time.Time
	DurationMinutes int
	SessionType     string
}

// Book creates a scheduled appointment for the calling patient.
func (s *Service) Book(ctx context.Context, actor identity.Identity, req BookRequest) (Appointment, error) {
	if actor.Role != identity.RolePatient {
		return Appointment{}, apperr.Forbidden("only patients can book appointments")
	}
	if req.PatientID == "" {
		req.PatientID = actor.ID
	}
	if req.PatientID != actor.ID {
		return Appointment{}, apperr.Forbidden("patients can only book for themselves")
	}
	if err := identity.ValidateID(req.TherapistID); err != nil {
		return Appointment{}, apperr.Validation("therapistId: " + apperr.Message(err))
	}
	if req.ScheduledTime.IsZero() {
		return Appointment{}, apperr.Validation("scheduledTime is required")
	}
	if s.pastGrace > 0 && req.ScheduledTime.Before(s.now().Add(-s.pastGrace)) {
		return Appointment{}, apperr.Validation("scheduledTime must not be in the past")
	}
	if req.DurationMinutes == 0 {
		req.DurationMinutes = DefaultDurationMinutes
	}
	if req.DurationMinutes < 1 || req.DurationMinutes > MaxDurationMinutes {
		return Appointment{}, apperr.Validation("durationMinutes must be between 1 and 480")
	}
	req.SessionType = strings.TrimSpace(req.SessionType)
	if req.SessionType == "" {
		return Appointment{}, apperr.Validation("sessionType is required")
	}
	if len(req.SessionType) > maxSessionTypeLen {
		return Appointment{}, apperr.Validation("sessionType is too long")
	}

	p, err := s.dir.Lookup(ctx, req.TherapistID)
	if err != nil {
		s.observe(err)
		return Appointment{}, err
	}
	if p.Role != identity.RoleTherapist {
		err := apperr.NotFound("therapist not found")
		s.observe(err)
		return Appointment{}, err
	}

	now := s.now().UTC()
	a, err := s.store.Book(ctx, Appointment{
		ID:              uuid.NewString(),
		PatientID:       req.PatientID,
		TherapistID:     req.TherapistID,
		ScheduledTime:   req.ScheduledTime.UTC(),
		DurationMinutes: req.DurationMinutes,
		SessionType:     req.SessionType,
		Status:          StatusScheduled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, s.mode)
	s.observe(err)
	return a, err
}

// ListForPatient returns a patient's appointments. The caller must be that
// patient or hold the therapist role.
func (s *Service) ListForPatient(ctx context.Context, actor identity.Identity, patientID string) ([]Appointment, error) {
	if err := identity.ValidateID(patientID); err != nil {
		return nil, err
	}
	if actor.ID != patientID && actor.Role != identity.RoleTherapist {
		return nil, apperr.Forbidden("not allowed to read these appointments")
	}
	return s.store.ListByPatient(ctx, patientID)
}

// ListForTherapist mirrors ListForPatient: the caller must be that therapist
// or hold the patient role.
func (s *Service) ListForTherapist(ctx context.Context, actor identity.Identity, therapistID string) ([]Appointment, error) {
	if err := identity.ValidateID(therapistID); err != nil {
		return nil, err
	}
	if actor.ID != therapistID && actor.Role != identity.RolePatient {
		return nil, apperr.Forbidden("not allowed to read these appointments")
	}
	return s.store.ListByTherapist(ctx, therapistID)
}

// Get returns an appointment to one of its two parties.
func (s *Service) Get(ctx context.Context, actor identity.Identity, id string) (Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Appointment{}, apperr.NotFound("appointment not found")
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	if !isPatientOf(actor, a) && !isTherapistOf(actor, a) {
		return Appointment{}, apperr.Forbidden("not a party to this appointment")
	}
	return a, nil
}

// Cancel is allowed to either party and is a no-op on a cancelled appointment.
func (s *Service) Cancel(ctx context.Context, actor identity.Identity, id string) (Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, func(a Appointment) bool {
		return isPatientOf(actor, a) || isTherapistOf(actor, a)
	})
}

// Confirm is allowed to the appointment's therapist.
func (s *Service) Confirm(ctx context.Context, actor identity.Identity, id string) (Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, func(a Appointment) bool { return isTherapistOf(actor, a) })
}

// Complete is allowed to the appointment's therapist once it is confirmed.
func (s *Service) Complete(ctx context.Context, actor identity.Identity, id string) (Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, func(a Appointment) bool { return isTherapistOf(actor, a) })
}

// ConfirmPaid confirms on behalf of the payment collaborator.
func (s *Service) ConfirmPaid(ctx context.Context, id string) (Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, func(Appointment) bool { return true })
}

func (s *Service) transition(ctx context.Context, id string, to Status, allowed func(Appointment) bool) (Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Appointment{}, apperr.NotFound("appointment not found")
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Appointment{}, err
	}
	if !allowed(a) {
		return Appointment{}, apperr.Forbidden("not allowed to change this appointment")
	}
	if a.Status == to && to != StatusCompleted {
		return a, nil
	}
	if !CanTransition(a.Status, to) {
		return Appointment{}, apperr.InvalidTransition("appointment is " + string(a.Status))
	}
	return s.store.SetStatus(ctx, id, sources[to], to, s.now().UTC())
}

// ListAvailability returns the therapist's slots that start after now, earliest first.
func (s *Service) ListAvailability(ctx context.Context, therapistID string) ([]Slot, error) {
	if err := identity.ValidateID(therapistID); err != nil {
		return nil, err
	}
	return s.store.ListSlots(ctx, therapistID, s.now().UTC())
}

// AddAvailabilitySlot is restricted to the therapist who owns the slot.
func (s *Service) AddAvailabilitySlot(ctx context.Context, actor identity.Identity, therapistID string, start, end time.Time) (Slot, error) {
	if therapistID == "" {
		therapistID = actor.ID
	}
	if actor.Role != identity.RoleTherapist || actor.ID != therapistID {
		return Slot{}, apperr.Forbidden("only the owning therapist can add availability")
	}
	if start.IsZero() || end.IsZero() {
		return Slot{}, apperr.Validation("startTime and endTime are required")
	}
	if !end.After(start) {
		return Slot{}, apperr.Validation("endTime must be after startTime")
	}
	if end.Sub(start) > maxSlotLength {
		return Slot{}, apperr.Validation("slot must not exceed 12 hours")
	}
	if !start.After(s.now()) {
		return Slot{}, apperr.Validation("startTime must be in the future")
	}
	return s.store.AddSlot(ctx, Slot{
		ID:          uuid.NewString(),
		TherapistID: therapistID,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		CreatedAt:   s.now().UTC(),
	})
}

func (s *Service) observe(err error) {
	if s.stats == nil {
		return
	}
	outcome := "booked"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	s.stats.Booking(outcome)
}

func isPatientOf(actor identity.Identity, a Appointment) bool {
	return actor.Role == identity.RolePatient && actor.ID == a.PatientID
}

func isTherapistOf(actor identity.Identity, a Appointment) bool {
	return actor.Role == identity.RoleTherapist && actor.ID == a.TherapistID
}
