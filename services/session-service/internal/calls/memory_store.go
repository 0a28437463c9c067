package calls

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
)

type memEntry struct {
	mu   sync.Mutex
	call Call
}

// MemoryStore keeps calls in process. Each call has its own lock; ended calls
// are kept for the retention window so late signals are answered with
// InvalidStateTransition instead of NotFound.
type MemoryStore struct {
	clock  Clock
	retain time.Duration

	mu    sync.RWMutex
	calls map[string]*memEntry
}

func NewMemoryStore(clock Clock, retain time.Duration) *MemoryStore {
	if clock == nil {
		clock = SystemClock
	}
	return &MemoryStore{clock: clock, retain: retain, calls: map[string]*memEntry{}}
}

func (s *MemoryStore) Create(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[c.ID]; exists {
		return apperr.Conflict("call id already in use")
	}
	s.calls[c.ID] = &memEntry{call: c}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Call, error) {
	e := s.entry(id)
	if e == nil {
		return Call{}, apperr.NotFound("call not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.call, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to State, reason EndReason, at time.Time) (Call, error) {
	e := s.entry(id)
	if e == nil {
		return Call{}, apperr.NotFound("call not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.call.State != from {
		return e.call, apperr.InvalidTransition("call is " + string(e.call.State))
	}
	e.call.State = to
	if reason != "" {
		e.call.Reason = reason
	}
	e.call.UpdatedAt = at
	if to == StateEnded {
		s.clock.AfterFunc(s.retain, func() { s.forget(id) })
	}
	return e.call, nil
}

// Len reports how many calls are held, ended ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calls)
}

func (s *MemoryStore) entry(id string) *memEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[id]
}

func (s *MemoryStore) forget(id string) {
	s.mu.Lock()
	delete(s.calls, id)
	s.mu.Unlock()
}
