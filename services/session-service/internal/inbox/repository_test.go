package inbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/telehealth/libs/db"
	"github.com/md-rashed-zaman/telehealth/services/session-service/db/migrations"
)

func TestRecordDedupesPerConsumer(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.Open(ctx, url, db.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.FS, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	eventID := uuid.NewString()
	notify := NewRepository(pool, "notify-"+uuid.NewString()[:8])
	audit := NewRepository(pool, "audit-"+uuid.NewString()[:8])

	if fresh, err := notify.Record(ctx, eventID, "appointment.booked.v1"); err != nil || !fresh {
		t.Fatalf("first record: fresh=%v err=%v", fresh, err)
	}
	if fresh, err := notify.Record(ctx, eventID, "appointment.booked.v1"); err != nil || fresh {
		t.Fatalf("redelivery to the same consumer: fresh=%v err=%v", fresh, err)
	}
	if fresh, err := audit.Record(ctx, eventID, "appointment.booked.v1"); err != nil || !fresh {
		t.Fatalf("another consumer must see the event: fresh=%v err=%v", fresh, err)
	}
}
