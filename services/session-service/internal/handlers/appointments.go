package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
)

type bookRequest struct {
	PatientID       identity.WireID `json:"patientId"`
	TherapistID     identity.WireID `json:"therapistId"`
	ScheduledTime   time.Time       `json:"scheduledTime"`
	DurationMinutes int             `json:"durationMinutes"`
	SessionType     string          `json:"sessionType"`
}

type appointmentsResponse struct {
	Appointments []scheduling.Appointment `json:"appointments"`
}

func (a *API) book(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var req bookRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	appt, err := a.sched.Book(r.Context(), actor, scheduling.BookRequest{
		PatientID:       req.PatientID.String(),
		TherapistID:     req.TherapistID.String(),
		ScheduledTime:   req.ScheduledTime,
		DurationMinutes: req.DurationMinutes,
		SessionType:     req.SessionType,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"therapist_id", appt.TherapistID,
		"scheduled_time", appt.ScheduledTime.Format(time.RFC3339),
	)
	httpx.WriteJSON(w, http.StatusCreated, appt)
}

func (a *API) listForPatient(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	list, err := a.sched.ListForPatient(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointmentsResponse{Appointments: list})
}

func (a *API) listForTherapist(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	list, err := a.sched.ListForTherapist(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appointmentsResponse{Appointments: list})
}

func (a *API) getAppointment(w http.ResponseWriter, r *http.Request) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	appt, err := a.sched.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, appt)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Cancel)
}

func (a *API) confirm(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Confirm)
}

func (a *API) complete(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Complete)
}

type transitionFunc func(ctx context.Context, actor identity.Identity, id string) (scheduling.Appointment, error)

func (a *API) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	actor, err := a.actor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	appt, err := apply(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.logger.Info("appointment status changed", "appointment_id", appt.ID, "status", string(appt.Status))
	httpx.WriteJSON(w, http.StatusOK, appt)
}
