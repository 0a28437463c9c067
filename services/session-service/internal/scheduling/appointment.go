package scheduling

import (
	"strings"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Active statuses hold the therapist's time.
func (s Status) Active() bool { return s == StatusScheduled || s == StatusConfirmed }

// sources lists the statuses each target status may be reached from.
var sources = map[Status][]Status{
	StatusConfirmed: {StatusScheduled},
	StatusCompleted: {StatusConfirmed},
	StatusCancelled: {StatusScheduled, StatusConfirmed},
}

func CanTransition(from, to Status) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID              string    `json:"appointmentId"`
	PatientID       string    `json:"patientId"`
	TherapistID     string    `json:"therapistId"`
	ScheduledTime   time.Time `json:"scheduledTime"`
	DurationMinutes int       `json:"durationMinutes"`
	SessionType     string    `json:"sessionType"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (a Appointment) End() time.Time {
	return a.ScheduledTime.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

type Slot struct {
	ID          string    `json:"slotId"`
	TherapistID string    `json:"therapistId"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Person is an entry of the external user directory.
type Person struct {
	ID          string
	Role        identity.Role
	DisplayName string
}

// ConflictMode selects how two active appointments of one therapist clash.
type ConflictMode string

const (
	// ConflictOverlap rejects any overlap of [start, start+duration).
	ConflictOverlap ConflictMode = "overlap"
	// ConflictExact rejects only identical start times.
	ConflictExact ConflictMode = "exact"
)

func ParseConflictMode(s string) (ConflictMode, error) {
	switch ConflictMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ConflictOverlap:
		return ConflictOverlap, nil
	case ConflictExact:
		return ConflictExact, nil
	default:
		return "", apperr.Validation("conflict mode must be overlap or exact")
	}
}

// Conflicts reports whether a new booking clashes with an existing one.
func Conflicts(mode ConflictMode, existing, candidate Appointment) bool {
	if existing.TherapistID != candidate.TherapistID || !existing.Status.Active() {
		return false
	}
	if mode == ConflictExact {
		return existing.ScheduledTime.Equal(candidate.ScheduledTime)
	}
	return existing.ScheduledTime.Before(candidate.End()) && candidate.ScheduledTime.Before(existing.End())
}
