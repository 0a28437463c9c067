package presence

import (
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
)

const EventPresenceChanged = "presence-changed"

type ChangedPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Online bool   `json:"online"`
}

// Broadcaster reaches every connection on this instance.
type Broadcaster interface {
	Broadcast(ev gateway.Event) int
}

// Announce returns a Tracker notify func that tells every local connection
// about the flip, after calling each observer.
func Announce(b Broadcaster, observers ...func(Change)) func(Change) {
	return func(c Change) {
		for _, o := range observers {
			o(c)
		}
		b.Broadcast(gateway.Event{Name: EventPresenceChanged, Data: ChangedPayload{
			UserID: c.Identity.ID,
			Role:   string(c.Identity.Role),
			Online: c.Online,
		}})
	}
}
