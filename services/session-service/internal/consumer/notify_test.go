package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/outbox"
)

type roomRecorder map[string][]gateway.Event

func (r roomRecorder) Broadcast(roomID string, ev gateway.Event) int {
	r[roomID] = append(r[roomID], ev)
	return 1
}

func TestNotifyTherapistTargetsTherapistRoom(t *testing.T) {
	rec := roomRecorder{}
	h := NotifyTherapist(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	value, _ := json.Marshal(outbox.AppointmentBooked{
		AppointmentID:   "a1",
		PatientID:       "1",
		TherapistID:     "7",
		ScheduledTime:   time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
		DurationMinutes: 50,
		SessionType:     "video",
	})
	if err := h(context.Background(), kafka.Message{Topic: outbox.TypeAppointmentBooked, Value: value}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := rec["therapist-7"]
	if len(events) != 1 || events[0].Name != EventAppointmentBooked {
		t.Fatalf("unexpected deliveries %+v", rec)
	}
	if p, ok := events[0].Data.(BookedPayload); !ok || p.AppointmentID != "a1" || p.PatientID != "1" {
		t.Fatalf("unexpected payload %+v", events[0].Data)
	}
	if len(rec["user-7"]) != 0 {
		t.Fatalf("patient room should not be notified")
	}

	if err := h(context.Background(), kafka.Message{Value: []byte("{")}); err != nil {
		t.Fatalf("malformed payloads are dropped, got %v", err)
	}
}
