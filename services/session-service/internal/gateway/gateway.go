// Package gateway tracks the real-time connections open on this instance and
// the identity each one is attached to.
package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

// Event is a named server-to-client notification.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Sink accepts events for a single connection without blocking. It returns
// false when the event was dropped.
type Sink interface {
	Send(Event) bool
}

// Listener observes attach and detach. Callbacks run on the caller's goroutine
// after the gateway's own bookkeeping, outside its lock.
type Listener interface {
	Attached(c *Conn)
	Detached(c *Conn)
}

type Conn struct {
	id         string
	identity   identity.Identity
	sink       Sink
	attachedAt time.Time
	closed     atomic.Bool
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Identity() identity.Identity { return c.identity }
func (c *Conn) AttachedAt() time.Time       { return c.attachedAt }
func (c *Conn) Closed() bool                { return c.closed.Load() }

// Deliver hands ev to the connection's sink. Closed connections drop silently.
func (c *Conn) Deliver(ev Event) bool {
	if c.closed.Load() {
		return false
	}
	return c.sink.Send(ev)
}

type Gateway struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	byIdentity map[identity.Identity]int
	listeners  []Listener
	now        func() time.Time
}

func New(listeners ...Listener) *Gateway {
	return &Gateway{
		conns:      map[string]*Conn{},
		byIdentity: map[identity.Identity]int{},
		listeners:  listeners,
		now:        time.Now,
	}
}

// AddListener must be called before the first Attach.
func (g *Gateway) AddListener(l Listener) {
	g.listeners = append(g.listeners, l)
}

// Attach registers a connection for an authenticated identity. It never fails.
func (g *Gateway) Attach(id identity.Identity, sink Sink) *Conn {
	c := &Conn{
		id:         uuid.NewString(),
		identity:   id,
		sink:       sink,
		attachedAt: g.now(),
	}
	g.mu.Lock()
	g.conns[c.id] = c
	g.byIdentity[id]++
	g.mu.Unlock()

	for _, l := range g.listeners {
		l.Attached(c)
	}
	return c
}

// Detach removes c. Detaching twice is a no-op.
func (g *Gateway) Detach(c *Conn) {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	g.mu.Lock()
	delete(g.conns, c.id)
	if n := g.byIdentity[c.identity] - 1; n > 0 {
		g.byIdentity[c.identity] = n
	} else {
		delete(g.byIdentity, c.identity)
	}
	g.mu.Unlock()

	for i := len(g.listeners) - 1; i >= 0; i-- {
		g.listeners[i].Detached(c)
	}
}

// DetachAll closes every connection; used on shutdown.
func (g *Gateway) DetachAll() {
	for _, c := range g.snapshot() {
		g.Detach(c)
	}
}

// Connections reports how many connections id holds on this instance.
func (g *Gateway) Connections(id identity.Identity) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.byIdentity[id]
}

func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Broadcast delivers ev to every open connection and returns how many accepted it.
func (g *Gateway) Broadcast(ev Event) int {
	delivered := 0
	for _, c := range g.snapshot() {
		if c.Deliver(ev) {
			delivered++
		}
	}
	return delivered
}

func (g *Gateway) snapshot() []*Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		out = append(out, c)
	}
	return out
}
