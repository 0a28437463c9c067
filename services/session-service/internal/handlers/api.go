// Package handlers exposes the collaborator HTTP endpoints: scheduling,
// availability, presence and call lookup, plus the payment webhook.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/auth"
	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

type Presence interface {
	OnlineIdentities(ctx context.Context) ([]identity.Identity, error)
}

type CallReader interface {
	Get(ctx context.Context, actor identity.Identity, callID string) (calls.Call, error)
}

type API struct {
	sched    *scheduling.Service
	presence Presence
	calls    CallReader
	logger   *slog.Logger
}

func NewAPI(sched *scheduling.Service, presence Presence, callReader CallReader, logger *slog.Logger) *API {
	return &API{sched: sched, presence: presence, calls: callReader, logger: logger}
}

// Register mounts every authenticated route on mux. protect wraps each
// handler with bearer-token verification.
func (a *API) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /appointments/book", a.book},
		{"GET /appointments/user/{id}", a.listForPatient},
		{"GET /appointments/therapist/{id}", a.listForTherapist},
		{"GET /appointments/{id}", a.getAppointment},
		{"DELETE /appointments/{id}", a.cancel},
		{"POST /appointments/{id}/confirm", a.confirm},
		{"POST /appointments/{id}/complete", a.complete},
		{"GET /availability/{therapistId}", a.listAvailability},
		{"POST /availability/slots", a.addSlot},
		{"GET /presence/online", a.online},
		{"GET /calls/{id}", a.getCall},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, protect(rt.handler))
	}
}

// Protect adapts auth.RequireAuth to Register.
func Protect(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return auth.RequireAuth(v, next) }
}

func (a *API) actor(r *http.Request) (identity.Identity, error) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return identity.Identity{}, apperr.Unauthorized("authentication required")
	}
	return identity.FromPrincipal(p)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	httpx.WriteError(w, r, a.logger, err)
}

type onlineResponse struct {
	Online []identity.Identity `json:"online"`
}

func (a *API) online(w http.ResponseWriter, r *http.Request) {
	if _, err := a.actor(r); err != nil {
		a.fail(w, r, err)
		return
	}
	ids, err := a.presence.OnlineIdentities(r.Context())
	if err != nil {
		a.fail(w, r, apperr.Internal(err))
		return
	}
	if ids == nil {
		ids = []identity.Identity{}
	}
	httpx.WriteJSON(w, http.StatusOK, onlineResponse{Online: ids})
}

func (a *API) getCall(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	c, err := a.calls.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}
