// Package outbox writes domain events in the same transaction as the state
// change and relays them to Kafka. The topic equals the event type.
package outbox

import "time"

const (
	TypeAppointmentBooked        = "appointment.booked.v1"
	TypeAppointmentStatusChanged = "appointment.status_changed.v1"

	AggregateAppointment = "appointment"
)

type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type AppointmentBooked struct {
	AppointmentID   string    `json:"appointment_id"`
	PatientID       string    `json:"patient_id"`
	TherapistID     string    `json:"therapist_id"`
	ScheduledTime   time.Time `json:"scheduled_time"`
	DurationMinutes int       `json:"duration_minutes"`
	SessionType     string    `json:"session_type"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type AppointmentStatusChanged struct {
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id"`
	TherapistID   string    `json:"therapist_id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	OccurredAt    time.Time `json:"occurred_at"`
}
