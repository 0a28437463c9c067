package calls

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

const (
	EventIncomingCall    = "incoming-call"
	EventCallEstablished = "call-established"
	EventCallEnded       = "call-ended"
)

type Broadcaster interface {
	Broadcast(roomID string, ev gateway.Event) int
}

// Stats observes applied transitions.
type Stats interface {
	CallTransition(to State, reason EndReason)
}

type Options struct {
	RequestTimeout   time.Duration
	MediaRoomBaseURL string
	Clock            Clock
	Stats            Stats
}

type IncomingCall struct {
	From     string        `json:"from"`
	FromRole identity.Role `json:"fromRole"`
	CallType string        `json:"callType"`
	CallID   string        `json:"callId"`
}

type Established struct {
	CallID       string `json:"callId"`
	Established  bool   `json:"established"`
	MediaRoomURL string `json:"mediaRoomUrl,omitempty"`
}

type Ended struct {
	CallID string    `json:"callId"`
	Reason EndReason `json:"reason"`
}

type Engine struct {
	store   Store
	rooms   Broadcaster
	logger  *slog.Logger
	clock   Clock
	timeout time.Duration
	mediaTo string
	stats   Stats

	mu     sync.Mutex
	timers map[string]Timer
	closed bool
}

func NewEngine(store Store, rooms Broadcaster, logger *slog.Logger, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Engine{
		store:   store,
		rooms:   rooms,
		logger:  logger,
		clock:   opts.Clock,
		timeout: opts.RequestTimeout,
		mediaTo: strings.TrimRight(opts.MediaRoomBaseURL, "/"),
		stats:   opts.Stats,
		timers:  map[string]Timer{},
	}
}

// Initiate creates a REQUESTED call and rings every room of calleeID.
func (e *Engine) Initiate(ctx context.Context, caller identity.Identity, calleeID, callType string) (Call, error) {
	if err := identity.ValidateID(calleeID); err != nil {
		return Call{}, apperr.Validation("to: " + apperr.Message(err))
	}
	kind, err := normalizeCallType(callType)
	if err != nil {
		return Call{}, err
	}
	id, err := NewCallID()
	if err != nil {
		return Call{}, apperr.Internal(err)
	}
	now := e.clock.Now().UTC()
	c := Call{
		ID:        id,
		Caller:    caller,
		CalleeID:  calleeID,
		CallType:  kind,
		State:     StateRequested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Create(ctx, c); err != nil {
		return Call{}, err
	}

	e.mu.Lock()
	if !e.closed {
		e.timers[id] = e.clock.AfterFunc(e.timeout, func() { e.expire(id) })
	}
	e.mu.Unlock()

	e.observe(StateRequested, "")
	e.notify(identity.BothRooms(calleeID), EventIncomingCall, IncomingCall{
		From:     caller.ID,
		FromRole: caller.Role,
		CallType: kind,
		CallID:   id,
	})
	return c, nil
}

// Accept moves REQUESTED to ESTABLISHED. Only the callee may accept.
func (e *Engine) Accept(ctx context.Context, actor identity.Identity, callID string) (Call, error) {
	c, err := e.authorize(ctx, callID, actor, Call.IsCallee)
	if err != nil {
		return Call{}, err
	}
	c, err = e.store.Transition(ctx, c.ID, StateRequested, StateEstablished, "", e.clock.Now().UTC())
	if err != nil {
		return Call{}, err
	}
	e.stopTimer(c.ID)
	e.observe(StateEstablished, "")

	payload := Established{CallID: c.ID, Established: true}
	if e.mediaTo != "" {
		payload.MediaRoomURL = e.mediaTo + "/" + c.ID
	}
	e.notify(participantRooms(c), EventCallEstablished, payload)
	return c, nil
}

// Reject moves REQUESTED to ENDED(rejected) and tells the caller.
func (e *Engine) Reject(ctx context.Context, actor identity.Identity, callID string) (Call, error) {
	c, err := e.authorize(ctx, callID, actor, Call.IsCallee)
	if err != nil {
		return Call{}, err
	}
	c, err = e.store.Transition(ctx, c.ID, StateRequested, StateEnded, ReasonRejected, e.clock.Now().UTC())
	if err != nil {
		return Call{}, err
	}
	e.stopTimer(c.ID)
	e.observe(StateEnded, ReasonRejected)
	e.notify([]string{c.Caller.RoomID()}, EventCallEnded, Ended{CallID: c.ID, Reason: ReasonRejected})
	return c, nil
}

// End moves ESTABLISHED to ENDED(left). Either participant may hang up.
func (e *Engine) End(ctx context.Context, actor identity.Identity, callID string) (Call, error) {
	c, err := e.authorize(ctx, callID, actor, Call.IsParticipant)
	if err != nil {
		return Call{}, err
	}
	c, err = e.store.Transition(ctx, c.ID, StateEstablished, StateEnded, ReasonLeft, e.clock.Now().UTC())
	if err != nil {
		return Call{}, err
	}
	e.observe(StateEnded, ReasonLeft)
	e.notify(participantRooms(c), EventCallEnded, Ended{CallID: c.ID, Reason: ReasonLeft})
	return c, nil
}

// Get returns the call if actor takes part in it.
func (e *Engine) Get(ctx context.Context, actor identity.Identity, callID string) (Call, error) {
	return e.authorize(ctx, callID, actor, Call.IsParticipant)
}

// Close stops pending timeouts. Calls still REQUESTED stay in the store.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Pending reports calls with an armed timeout.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

func (e *Engine) expire(callID string) {
	e.mu.Lock()
	delete(e.timers, callID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := e.store.Transition(ctx, callID, StateRequested, StateEnded, ReasonTimeout, e.clock.Now().UTC())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			e.logger.Error("call timeout transition failed", "call_id", callID, "err", err)
		}
		return
	}
	e.observe(StateEnded, ReasonTimeout)
	e.notify(participantRooms(c), EventCallEnded, Ended{CallID: c.ID, Reason: ReasonTimeout})
}

func (e *Engine) authorize(ctx context.Context, callID string, actor identity.Identity, allowed func(Call, identity.Identity) bool) (Call, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return Call{}, apperr.Validation("callId is required")
	}
	if !validCallID(callID) {
		return Call{}, apperr.NotFound("call not found")
	}
	c, err := e.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !allowed(c, actor) {
		return Call{}, apperr.Forbidden("not a participant of this call")
	}
	return c, nil
}

func (e *Engine) stopTimer(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[callID]; ok {
		t.Stop()
		delete(e.timers, callID)
	}
}

func (e *Engine) notify(roomIDs []string, name string, data any) {
	ev := gateway.Event{Name: name, Data: data}
	for _, roomID := range roomIDs {
		e.rooms.Broadcast(roomID, ev)
	}
}

func (e *Engine) observe(to State, reason EndReason) {
	if e.stats != nil {
		e.stats.CallTransition(to, reason)
	}
}

// participantRooms is the caller's room plus both rooms of the callee id,
// without duplicates.
func participantRooms(c Call) []string {
	out := []string{c.Caller.RoomID()}
	for _, r := range identity.BothRooms(c.CalleeID) {
		if r != out[0] {
			out = append(out, r)
		}
	}
	return out
}
