package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/storage"
)

const (
	providerStripe          = "stripe"
	eventPaymentSucceeded   = "payment_intent.succeeded"
	metadataAppointmentID   = "appointment_id"
	maxWebhookPayloadBytes  = 1 << 20
	defaultWebhookTolerance = 5 * time.Minute
)

type PaymentEvents interface {
	Claim(ctx context.Context, ev storage.ProviderEvent) (storage.Claimed, error)
}

type PaymentConfirmer interface {
	ConfirmPaid(ctx context.Context, appointmentID string) (scheduling.Appointment, error)
}

// StripeWebhook confirms appointments whose payment succeeded. The signature
// is the authentication; there is no bearer token on this route.
type StripeWebhook struct {
	secret    string
	tolerance time.Duration
	events    PaymentEvents
	confirm   PaymentConfirmer
	logger    *slog.Logger
}

func NewStripeWebhook(secret string, tolerance time.Duration, events PaymentEvents, confirm PaymentConfirmer, logger *slog.Logger) *StripeWebhook {
	if tolerance <= 0 {
		tolerance = defaultWebhookTolerance
	}
	return &StripeWebhook{secret: secret, tolerance: tolerance, events: events, confirm: confirm, logger: logger}
}

type webhookResponse struct {
	Status string `json:"status"`
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stripe webhook not configured", "code": "unavailable"})
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		httpx.WriteError(w, r, h.logger, apperr.Validation("missing Stripe-Signature header"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookPayloadBytes))
	if err != nil {
		httpx.WriteError(w, r, h.logger, apperr.Validation("failed to read request body"))
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sig, h.secret, h.tolerance)
	if err != nil {
		httpx.WriteError(w, r, h.logger, apperr.Validation("invalid signature"))
		return
	}
	evtType := string(evt.Type)
	log := h.logger.With("provider", providerStripe, "provider_event_id", evt.ID, "event_type", evtType)
	log.Info("payment provider event received")

	claim, err := h.events.Claim(r.Context(), storage.ProviderEvent{
		Provider:        providerStripe,
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	})
	if errors.Is(err, storage.ErrDuplicateProviderEvent) {
		log.Info("payment provider event duplicate ignored")
		httpx.WriteJSON(w, http.StatusOK, webhookResponse{Status: "duplicate"})
		return
	}
	if err != nil {
		httpx.WriteError(w, r, h.logger, apperr.Internal(err))
		return
	}
	defer func() { _ = claim.Rollback(context.WithoutCancel(r.Context())) }()

	status := "ignored"
	if evtType == eventPaymentSucceeded {
		status, err = h.paymentSucceeded(r.Context(), log, evt.Data.Raw)
		if err != nil {
			// rolled back so the provider's retry is processed again
			httpx.WriteError(w, r, h.logger, err)
			return
		}
	}
	if err := claim.Commit(r.Context()); err != nil {
		httpx.WriteError(w, r, h.logger, apperr.Internal(err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, webhookResponse{Status: status})
}

// paymentSucceeded returns an error only for failures worth a provider retry.
func (h *StripeWebhook) paymentSucceeded(ctx context.Context, log *slog.Logger, raw json.RawMessage) (string, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		log.Error("invalid payment intent payload", "err", err)
		return "ignored", nil
	}
	appointmentID := strings.TrimSpace(pi.Metadata[metadataAppointmentID])
	if appointmentID == "" {
		log.Warn("payment intent has no appointment_id metadata", "payment_intent", pi.ID)
		return "ignored", nil
	}
	appt, err := h.confirm.ConfirmPaid(ctx, appointmentID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return "", err
		}
		log.Warn("payment could not confirm appointment", "appointment_id", appointmentID, "reason", apperr.Message(err))
		return "ignored", nil
	}
	log.Info("appointment confirmed by payment", "appointment_id", appt.ID, "payment_intent", pi.ID)
	return "processed", nil
}
