package httpx

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
)

func TestKeyedLimiterBurstThenDeny(t *testing.T) {
	l := NewKeyedLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(context.Background(), "a"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, _ := l.Allow(context.Background(), "a"); ok {
		t.Fatal("third request inside the burst window should be denied")
	}
	if ok, _ := l.Allow(context.Background(), "b"); !ok {
		t.Fatal("other keys have their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow(context.Background(), "a"); !ok {
		t.Fatal("bucket should refill after a second")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), RateLimit(PerMinute(1), nil, true))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := WithCORS(Origins{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rw.Code)
	}
	if got := rw.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	other := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	other.Header.Set("Origin", "https://evil.example.com")
	rw = httptest.NewRecorder()
	h.ServeHTTP(rw, other)
	if rw.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin must not be echoed")
	}
}

func TestWriteErrorMapsKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Conflict("slot taken"), http.StatusConflict, "conflict"},
		{apperr.Forbidden("no"), http.StatusForbidden, "forbidden"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		rw := httptest.NewRecorder()
		WriteError(rw, httptest.NewRequest(http.MethodGet, "/", nil), nil, tc.err)
		if rw.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rw.Code)
		}
		var body errorBody
		if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Code != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.err, tc.code, body.Code)
		}
		if tc.status == http.StatusInternalServerError && strings.Contains(body.Error, "deadline") {
			t.Fatalf("internal cause leaked: %q", body.Error)
		}
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		A string `json:"a"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"x","b":1}`))
	if err := DecodeJSON(req, &dst); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"x"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.A != "x" {
		t.Fatalf("unexpected decode result %v %+v", err, dst)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if seen != "abc" || rw.Header().Get(RequestIDHeader) != "abc" {
		t.Fatalf("request id not propagated: %q", seen)
	}
}

func TestRequestIDReplacesUnusableHeader(t *testing.T) {
	h := WithRequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "has space")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if got := rw.Header().Get(RequestIDHeader); got == "" || got == "has space" {
		t.Fatalf("expected a minted id, got %q", got)
	}
}

func TestAccessLogSeesMatchedRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	var gotRoute string
	var gotStatus int
	observe := func(_, route string, status int, _ time.Duration) {
		gotRoute, gotStatus = route, status
	}
	h := Chain(RecordRoute(mux),
		WithRequestID,
		WithAccessLog(slog.New(slog.NewTextHandler(io.Discard, nil)), observe),
		WithTimeout(time.Second),
	)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	if gotRoute != "GET /items/{id}" || gotStatus != http.StatusAccepted {
		t.Fatalf("route=%q status=%d", gotRoute, gotStatus)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	if gotRoute != "unmatched" || gotStatus != http.StatusNotFound {
		t.Fatalf("route=%q status=%d", gotRoute, gotStatus)
	}
}
