package relay

import (
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/rooms"
)

func TestMessageReachesOnlineRecipient(t *testing.T) {
	reg := rooms.NewRegistry()
	g := gateway.New(reg)
	sink := gateway.NewChanSink(4)
	recipient := g.Attach(identity.Identity{ID: "9", Role: identity.RoleTherapist}, sink)
	reg.Join(recipient.Identity().RoomID(), recipient)

	router := NewRouter(reg)
	before := time.Now().UTC()
	msg, delivered, err := router.SendMessage("7", "9", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}
	if got := msg.RecipientRoomIDs; len(got) != 2 || got[0] != "user-9" || got[1] != "therapist-9" {
		t.Fatalf("unexpected recipient rooms %v", got)
	}

	ev := <-sink.Events()
	if ev.Name != EventReceiveMessage {
		t.Fatalf("unexpected event %q", ev.Name)
	}
	got := ev.Data.(Message)
	if got.SenderID != "7" || got.Content != "hello" {
		t.Fatalf("unexpected message %+v", got)
	}
	if got.Timestamp.Before(before) {
		t.Fatalf("timestamp %v precedes send time %v", got.Timestamp, before)
	}
}

func TestMessageToOfflineRecipientIsDropped(t *testing.T) {
	router := NewRouter(rooms.NewRegistry())
	_, delivered, err := router.SendMessage("7", "9", "anyone?")
	if err != nil {
		t.Fatalf("offline recipient is not an error: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected no deliveries, got %d", delivered)
	}
}

func TestSendMessageValidation(t *testing.T) {
	router := NewRouter(rooms.NewRegistry())
	cases := map[string][3]string{
		"empty content": {"1", "2", "   "},
		"bad recipient": {"1", "", "hi"},
		"bad sender":    {"a b", "2", "hi"},
		"too long":      {"1", "2", strings.Repeat("x", MaxContentBytes+1)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := router.SendMessage(in[0], in[1], in[2])
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestTypingFansOutToBothRooms(t *testing.T) {
	reg := rooms.NewRegistry()
	g := gateway.New(reg)
	patientSink := gateway.NewChanSink(2)
	therapistSink := gateway.NewChanSink(2)
	p := g.Attach(identity.Identity{ID: "4", Role: identity.RolePatient}, patientSink)
	th := g.Attach(identity.Identity{ID: "4", Role: identity.RoleTherapist}, therapistSink)
	reg.Join(p.Identity().RoomID(), p)
	reg.Join(th.Identity().RoomID(), th)

	n, err := NewRouter(reg).SendTyping("1", "4", true)
	if err != nil || n != 2 {
		t.Fatalf("SendTyping = %d, %v", n, err)
	}
	ev := <-patientSink.Events()
	if ev.Name != EventUserTyping || !ev.Data.(Typing).IsTyping {
		t.Fatalf("unexpected event %+v", ev)
	}
}
