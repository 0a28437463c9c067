// Package calls runs the signaling state machine for video sessions.
//
//	REQUESTED -> ESTABLISHED | ENDED(rejected) | ENDED(timeout)
//	ESTABLISHED -> ENDED(left)
//
// ENDED is absorbing. Every transition is a compare-and-set in the Store, so
// racing accept/reject calls on one call id resolve to exactly one winner.
package calls

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

type State string

const (
	StateRequested   State = "requested"
	StateEstablished State = "established"
	StateEnded       State = "ended"
)

type EndReason string

const (
	ReasonRejected EndReason = "rejected"
	ReasonTimeout  EndReason = "timeout"
	ReasonLeft     EndReason = "left"
)

type Call struct {
	ID        string            `json:"callId"`
	Caller    identity.Identity `json:"caller"`
	CalleeID  string            `json:"calleeId"`
	CallType  string            `json:"callType"`
	State     State             `json:"state"`
	Reason    EndReason         `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// IsCallee reports whether actor may answer the call.
func (c Call) IsCallee(actor identity.Identity) bool {
	return actor.ID == c.CalleeID && actor != c.Caller
}

func (c Call) IsParticipant(actor identity.Identity) bool {
	return actor == c.Caller || actor.ID == c.CalleeID
}

// Store persists calls. Transition must be atomic per call id: it applies
// only when the current state equals from, and fails with
// apperr.ErrInvalidStateTransition otherwise.
type Store interface {
	Create(ctx context.Context, c Call) error
	Get(ctx context.Context, id string) (Call, error)
	Transition(ctx context.Context, id string, from, to State, reason EndReason, at time.Time) (Call, error)
}

const (
	idPrefix  = "call_"
	idEntropy = 16 // bytes
)

// NewCallID returns an unguessable 128-bit capability token.
func NewCallID() (string, error) {
	var b [idEntropy]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return idPrefix + hex.EncodeToString(b[:]), nil
}

func validCallID(id string) bool {
	if !strings.HasPrefix(id, idPrefix) || len(id) != len(idPrefix)+2*idEntropy {
		return false
	}
	_, err := hex.DecodeString(id[len(idPrefix):])
	return err == nil
}

func normalizeCallType(t string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "", "video":
		return "video", nil
	case "audio":
		return "audio", nil
	default:
		return "", apperr.Validation("callType must be video or audio")
	}
}

// Clock abstracts time so timeouts and retention can be driven in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time                            { return time.Now() }
func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
