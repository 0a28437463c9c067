// Package rooms maps room ids to the connections joined to them and fans
// events out to those connections.
package rooms

import (
	"sync"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
)

// Bus carries broadcasts to other instances. Publish must not block.
type Bus interface {
	Publish(roomID string, ev gateway.Event)
}

// Stats receives delivery outcomes for metrics.
type Stats interface {
	Delivered(event string, n int)
	Dropped(event string, n int)
}

type room struct {
	mu      sync.RWMutex
	members map[*gateway.Conn]struct{}
	dead    bool
}

// Registry is process scoped. Membership changes lock only the affected room;
// the registry lock guards the room table itself and is never held while
// delivering.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	connMu sync.Mutex
	joined map[*gateway.Conn]map[string]struct{}

	bus   Bus
	stats Stats
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  map[string]*room{},
		joined: map[*gateway.Conn]map[string]struct{}{},
	}
}

// SetBus enables cross-instance fan-out. Call before serving traffic.
func (r *Registry) SetBus(b Bus) { r.bus = b }

func (r *Registry) SetStats(s Stats) { r.stats = s }

// Join adds c to roomID, creating the room if needed. Joining twice is a no-op.
func (r *Registry) Join(roomID string, c *gateway.Conn) {
	for {
		rm := r.getOrCreate(roomID)
		rm.mu.Lock()
		if rm.dead {
			// lost a race with the last Leave; retry on a fresh room
			rm.mu.Unlock()
			continue
		}
		rm.members[c] = struct{}{}
		rm.mu.Unlock()
		break
	}

	r.connMu.Lock()
	set := r.joined[c]
	if set == nil {
		set = map[string]struct{}{}
		r.joined[c] = set
	}
	set[roomID] = struct{}{}
	r.connMu.Unlock()

	// a concurrent detach may have already run LeaveAll
	if c.Closed() {
		r.LeaveAll(c)
	}
}

func (r *Registry) Leave(roomID string, c *gateway.Conn) {
	r.connMu.Lock()
	if set := r.joined[c]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.joined, c)
		}
	}
	r.connMu.Unlock()
	r.removeMember(roomID, c)
}

// LeaveAll removes c from every room it joined.
func (r *Registry) LeaveAll(c *gateway.Conn) {
	r.connMu.Lock()
	set := r.joined[c]
	delete(r.joined, c)
	r.connMu.Unlock()

	for roomID := range set {
		r.removeMember(roomID, c)
	}
}

// Broadcast delivers ev to every local member of roomID and publishes it on
// the bus. It never blocks on a slow member and returns the number of local
// connections that accepted the event.
func (r *Registry) Broadcast(roomID string, ev gateway.Event) int {
	n := r.DeliverLocal(roomID, ev)
	if r.bus != nil {
		r.bus.Publish(roomID, ev)
	}
	return n
}

// DeliverLocal is Broadcast without the bus; the bus subscriber calls it.
func (r *Registry) DeliverLocal(roomID string, ev gateway.Event) int {
	members := r.members(roomID)
	delivered, dropped := 0, 0
	for _, c := range members {
		if c.Deliver(ev) {
			delivered++
		} else {
			dropped++
		}
	}
	if r.stats != nil {
		r.stats.Delivered(ev.Name, delivered)
		if dropped > 0 {
			r.stats.Dropped(ev.Name, dropped)
		}
	}
	return delivered
}

// Size reports local members of roomID.
func (r *Registry) Size(roomID string) int {
	return len(r.members(roomID))
}

// Rooms reports how many rooms currently exist.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) Attached(*gateway.Conn) {}

func (r *Registry) Detached(c *gateway.Conn) { r.LeaveAll(c) }

func (r *Registry) getOrCreate(roomID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{members: map[*gateway.Conn]struct{}{}}
		r.rooms[roomID] = rm
	}
	return rm
}

func (r *Registry) members(roomID string) []*gateway.Conn {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*gateway.Conn, 0, len(rm.members))
	for c := range rm.members {
		out = append(out, c)
	}
	return out
}

func (r *Registry) removeMember(roomID string, c *gateway.Conn) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, c)
	if len(rm.members) > 0 || rm.dead {
		return
	}
	rm.dead = true
	r.mu.Lock()
	if r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
}
