package handlers

import (
	"net/http"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

type addSlotRequest struct {
	TherapistID identity.WireID `json:"therapistId"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime"`
}

type slotsResponse struct {
	Slots []scheduling.Slot `json:"slots"`
}

func (a *API) listAvailability(w http.ResponseWriter, r *http.Request) {
	if _, err := a.actor(r); err != nil {
		a.fail(w, r, err)
		return
	}
	slots, err := a.sched.ListAvailability(r.Context(), r.PathValue("therapistId"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{Slots: slots})
}

func (a *API) addSlot(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req addSlotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	slot, err := a.sched.AddAvailabilitySlot(r.Context(), actor, req.TherapistID.String(), req.StartTime, req.EndTime)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, slot)
}
