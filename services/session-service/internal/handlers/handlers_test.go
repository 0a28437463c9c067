package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/md-rashed-zaman/telehealth/libs/auth"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/scheduling"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/storage"
)

const jwtSecret = "handlers-test-secret"

var slotTime = time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC)

type stubPresence []identity.Identity

func (s stubPresence) OnlineIdentities(context.Context) ([]identity.Identity, error) { return s, nil }

type stubCalls struct{}

func (stubCalls) Get(context.Context, identity.Identity, string) (calls.Call, error) {
	return calls.Call{}, fmt.Errorf("unreachable")
}

type fixture struct {
	mux   *http.ServeMux
	sched *scheduling.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := scheduling.MemoryDirectory{
		"7": {ID: "7", Role: identity.RoleTherapist},
		"1": {ID: "1", Role: identity.RolePatient},
	}
	now := func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) }
	sched := scheduling.NewService(scheduling.NewMemoryStore(), dir, scheduling.ConflictOverlap, scheduling.WithClock(now))
	presence := stubPresence{{ID: "1", Role: identity.RolePatient}}

	mux := http.NewServeMux()
	NewAPI(sched, presence, stubCalls{}, logger).Register(mux, Protect(auth.NewVerifier(jwtSecret, nil)))
	return &fixture{mux: mux, sched: sched}
}

func (f *fixture) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if userID != "" {
		token, err := auth.SignHS256(auth.Principal{UserID: userID, Role: role}, jwtSecret, time.Minute)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func bookBody(therapist any, at time.Time) map[string]any {
	return map[string]any{
		"therapistId":     therapist,
		"scheduledTime":   at.Format(time.RFC3339),
		"durationMinutes": 50,
		"sessionType":     "Individual Therapy",
	}
}

func TestBookThenConflict(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/appointments/book", "1", "patient", bookBody(7, slotTime))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var appt scheduling.Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &appt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if appt.TherapistID != "7" || appt.Status != scheduling.StatusScheduled {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	rec = f.do(t, http.MethodPost, "/appointments/book", "1", "patient", bookBody("7", slotTime))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "conflict" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestBookRequiresToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/appointments/book", "", "", bookBody("7", slotTime))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body any
		want int
	}{
		{"unknown therapist", bookBody("99", slotTime), http.StatusNotFound},
		{"unknown field", map[string]any{"therapistId": "7", "bogus": true}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/appointments/book", "1", "patient", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := f.do(t, http.MethodPost, "/appointments/book", "7", "therapist", bookBody("7", slotTime))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("therapist booking: expected 403, got %d", rec.Code)
	}
}

func TestListAuthorizationAsObserved(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(t, http.MethodPost, "/appointments/book", "1", "patient", bookBody("7", slotTime)); rec.Code != http.StatusCreated {
		t.Fatalf("book: %d", rec.Code)
	}

	cases := []struct {
		path, user, role string
		want             int
	}{
		{"/appointments/user/1", "1", "patient", http.StatusOK},
		{"/appointments/user/1", "7", "therapist", http.StatusOK},
		{"/appointments/user/1", "2", "patient", http.StatusForbidden},
		{"/appointments/therapist/7", "7", "therapist", http.StatusOK},
		{"/appointments/therapist/7", "2", "patient", http.StatusOK},
		{"/appointments/therapist/7", "8", "therapist", http.StatusForbidden},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodGet, tc.path, tc.user, tc.role, nil)
		if rec.Code != tc.want {
			t.Fatalf("%s as %s:%s: expected %d, got %d", tc.path, tc.role, tc.user, tc.want, rec.Code)
		}
	}

	rec := f.do(t, http.MethodGet, "/appointments/user/1", "1", "patient", nil)
	var resp appointmentsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Appointments) != 1 {
		t.Fatalf("list: %v %+v", err, resp)
	}
}

func TestCancelAndConfirmLifecycle(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/appointments/book", "1", "patient", bookBody("7", slotTime))
	var appt scheduling.Appointment
	_ = json.Unmarshal(rec.Body.Bytes(), &appt)

	if rec := f.do(t, http.MethodPost, "/appointments/"+appt.ID+"/confirm", "1", "patient", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("patient confirm: expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/appointments/"+appt.ID+"/confirm", "7", "therapist", nil); rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, "/appointments/"+appt.ID, "1", "patient", nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/appointments/"+appt.ID+"/complete", "7", "therapist", nil); rec.Code != http.StatusConflict {
		t.Fatalf("complete after cancel: expected 409, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/appointments/not-a-uuid", "1", "patient", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("bad id: expected 404, got %d", rec.Code)
	}
}

func TestAvailabilityRoutes(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	slot := map[string]any{"therapistId": "7", "startTime": start, "endTime": start.Add(time.Hour)}

	if rec := f.do(t, http.MethodPost, "/availability/slots", "8", "therapist", slot); rec.Code != http.StatusForbidden {
		t.Fatalf("other therapist: expected 403, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/availability/slots", "7", "therapist", slot); rec.Code != http.StatusCreated {
		t.Fatalf("add slot: %d %s", rec.Code, rec.Body.String())
	}
	rec := f.do(t, http.MethodGet, "/availability/7", "1", "patient", nil)
	var resp slotsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || len(resp.Slots) != 1 {
		t.Fatalf("list slots: %d %v %+v", rec.Code, err, resp)
	}
}

func TestPresenceOnline(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/presence/online", "7", "therapist", nil)
	var resp onlineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Online) != 1 || resp.Online[0].ID != "1" {
		t.Fatalf("unexpected online list %+v", resp)
	}
}

type fakeClaim struct {
	events *fakePaymentEvents
	id     string
}

func (c fakeClaim) Commit(context.Context) error {
	c.events.mu.Lock()
	defer c.events.mu.Unlock()
	c.events.seen[c.id] = true
	return nil
}

func (c fakeClaim) Rollback(context.Context) error { return nil }

type fakePaymentEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakePaymentEvents) Claim(_ context.Context, ev storage.ProviderEvent) (storage.Claimed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[ev.ProviderEventID] {
		return nil, storage.ErrDuplicateProviderEvent
	}
	return fakeClaim{events: f, id: ev.ProviderEventID}, nil
}

func signStripe(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestStripeWebhookConfirmsOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/appointments/book", "1", "patient", bookBody("7", slotTime))
	var appt scheduling.Appointment
	_ = json.Unmarshal(rec.Body.Bytes(), &appt)

	const secret = "whsec_test"
	hook := NewStripeWebhook(secret, time.Minute, &fakePaymentEvents{seen: map[string]bool{}}, f.sched, slog.New(slog.NewTextHandler(io.Discard, nil)))

	payload, _ := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "pi_1",
				"object":   "payment_intent",
				"metadata": map[string]string{"appointment_id": appt.ID},
			},
		},
	})
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		hook.ServeHTTP(rec, req)
		return rec
	}

	if rec := post("t=1,v1=deadbeef"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad signature: expected 400, got %d", rec.Code)
	}
	sig := signStripe(payload, secret, time.Now())
	rec = post(sig)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("processed")) {
		t.Fatalf("first delivery: %d %s", rec.Code, rec.Body.String())
	}
	rec = post(sig)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte("duplicate")) {
		t.Fatalf("replay: %d %s", rec.Code, rec.Body.String())
	}

	got, err := f.sched.Get(context.Background(), identity.Identity{ID: "1", Role: identity.RolePatient}, appt.ID)
	if err != nil || got.Status != scheduling.StatusConfirmed {
		t.Fatalf("appointment not confirmed: %+v %v", got, err)
	}
}
