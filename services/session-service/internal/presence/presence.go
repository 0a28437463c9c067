// Package presence derives online status from the number of open connections
// per identity.
package presence

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

// Counter stores connection counts keyed by identity.Key.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Count(ctx context.Context, key string) (int64, error)
	Keys(ctx context.Context) ([]string, error)
}

type Change struct {
	Identity identity.Identity
	Online   bool
}

const stripes = 64

// Tracker implements gateway.Listener. Count updates and change notifications
// for one identity are serialized, so observers see online/offline flips in
// the order they happened.
type Tracker struct {
	counter Counter
	logger  *slog.Logger
	notify  func(Change)
	timeout time.Duration
	locks   [stripes]sync.Mutex

	// counted holds connection ids whose increment reached the Counter.
	countedMu sync.Mutex
	counted   map[string]struct{}
}

func NewTracker(counter Counter, logger *slog.Logger, notify func(Change)) *Tracker {
	if notify == nil {
		notify = func(Change) {}
	}
	return &Tracker{
		counter: counter,
		logger:  logger,
		notify:  notify,
		timeout: 2 * time.Second,
		counted: map[string]struct{}{},
	}
}

func (t *Tracker) Attached(c *gateway.Conn) {
	id := c.Identity()
	mu := t.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.counter.Incr(ctx, id.Key())
	if err != nil {
		t.logger.Error("presence increment failed", "identity", id.Key(), "conn_id", c.ID(), "err", err)
		return
	}
	t.countedMu.Lock()
	t.counted[c.ID()] = struct{}{}
	t.countedMu.Unlock()
	if n == 1 {
		t.notify(Change{Identity: id, Online: true})
	}
}

func (t *Tracker) Detached(c *gateway.Conn) {
	id := c.Identity()
	mu := t.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t.countedMu.Lock()
	_, ok := t.counted[c.ID()]
	delete(t.counted, c.ID())
	t.countedMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	n, err := t.counter.Decr(ctx, id.Key())
	if err != nil {
		t.logger.Error("presence decrement failed", "identity", id.Key(), "err", err)
		return
	}
	if n == 0 {
		t.notify(Change{Identity: id, Online: false})
	}
}

func (t *Tracker) Online(ctx context.Context, id identity.Identity) (bool, error) {
	n, err := t.counter.Count(ctx, id.Key())
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OnlineIdentities lists every identity with at least one open connection,
// sorted by key.
func (t *Tracker) OnlineIdentities(ctx context.Context) ([]identity.Identity, error) {
	keys, err := t.counter.Keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]identity.Identity, 0, len(keys))
	for _, k := range keys {
		id, err := identity.ParseKey(k)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (t *Tracker) lockFor(id identity.Identity) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.Key()))
	return &t.locks[h.Sum32()%stripes]
}

// MemoryCounter is the single-instance Counter.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: map[string]int64{}}
}

func (m *MemoryCounter) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *MemoryCounter) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counts[key] - 1
	if n <= 0 {
		delete(m.counts, key)
		return 0, nil
	}
	m.counts[key] = n
	return n, nil
}

func (m *MemoryCounter) Count(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key], nil
}

func (m *MemoryCounter) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.counts))
	for k := range m.counts {
		keys = append(keys, k)
	}
	return keys, nil
}
