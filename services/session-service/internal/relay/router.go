// Package relay forwards chat and typing events into recipient rooms.
// Delivery is best effort: offline recipients and full buffers lose events.
package relay

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

const (
	EventReceiveMessage = "receive-message"
	EventUserTyping     = "user-typing"
)

const MaxContentBytes = 4096

type Broadcaster interface {
	Broadcast(roomID string, ev gateway.Event) int
}

// Message exists only while it is being relayed.
type Message struct {
	SenderID         string    `json:"from"`
	RecipientRoomIDs []string  `json:"-"`
	Content          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
}

type Typing struct {
	From     string `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

type Router struct {
	rooms Broadcaster
	now   func() time.Time
}

func NewRouter(rooms Broadcaster) *Router {
	return &Router{rooms: rooms, now: time.Now}
}

// SendMessage stamps and relays content to both rooms named by recipientID.
// It returns the message and the number of connections that accepted it.
func (r *Router) SendMessage(senderID, recipientID, content string) (Message, int, error) {
	if err := identity.ValidateID(senderID); err != nil {
		return Message{}, 0, apperr.Validation("from: " + apperr.Message(err))
	}
	if err := identity.ValidateID(recipientID); err != nil {
		return Message{}, 0, apperr.Validation("to: " + apperr.Message(err))
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, 0, apperr.Validation("message is required")
	}
	if len(content) > MaxContentBytes || !utf8.ValidString(content) {
		return Message{}, 0, apperr.Validation("message must be valid UTF-8 of at most 4096 bytes")
	}

	msg := Message{
		SenderID:         senderID,
		RecipientRoomIDs: identity.BothRooms(recipientID),
		Content:          content,
		Timestamp:        r.now().UTC(),
	}
	delivered := 0
	for _, roomID := range msg.RecipientRoomIDs {
		delivered += r.rooms.Broadcast(roomID, gateway.Event{Name: EventReceiveMessage, Data: msg})
	}
	return msg, delivered, nil
}

// SendTyping relays a typing indicator with the same fan-out as SendMessage.
func (r *Router) SendTyping(senderID, recipientID string, isTyping bool) (int, error) {
	if err := identity.ValidateID(senderID); err != nil {
		return 0, apperr.Validation("from: " + apperr.Message(err))
	}
	if err := identity.ValidateID(recipientID); err != nil {
		return 0, apperr.Validation("to: " + apperr.Message(err))
	}
	ev := gateway.Event{Name: EventUserTyping, Data: Typing{From: senderID, IsTyping: isTyping}}
	delivered := 0
	for _, roomID := range identity.BothRooms(recipientID) {
		delivered += r.rooms.Broadcast(roomID, ev)
	}
	return delivered, nil
}
