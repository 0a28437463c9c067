package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/outbox"
)

const EventAppointmentBooked = "appointment-booked"

type Broadcaster interface {
	Broadcast(roomID string, ev gateway.Event) int
}

type BookedPayload struct {
	AppointmentID   string    `json:"appointmentId"`
	PatientID       string    `json:"patientId"`
	ScheduledTime   time.Time `json:"scheduledTime"`
	DurationMinutes int       `json:"durationMinutes"`
	SessionType     string    `json:"sessionType"`
}

// NotifyTherapist pushes each appointment.booked event into the therapist's room.
func NotifyTherapist(rooms Broadcaster, logger *slog.Logger) Handler {
	return func(_ context.Context, msg kafka.Message) error {
		var evt outbox.AppointmentBooked
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Error("invalid booked event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		if evt.TherapistID == "" || evt.AppointmentID == "" {
			logger.Error("booked event missing required fields", "topic", msg.Topic)
			return nil
		}
		n := rooms.Broadcast(identity.TherapistRoom(evt.TherapistID), gateway.Event{
			Name: EventAppointmentBooked,
			Data: BookedPayload{
				AppointmentID:   evt.AppointmentID,
				PatientID:       evt.PatientID,
				ScheduledTime:   evt.ScheduledTime,
				DurationMinutes: evt.DurationMinutes,
				SessionType:     evt.SessionType,
			},
		})
		logger.Debug("booking notification relayed", "appointment_id", evt.AppointmentID, "delivered", n)
		return nil
	}
}
