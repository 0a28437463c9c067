package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/md-rashed-zaman/telehealth/libs/auth"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/relay"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/rooms"
)

const testSecret = "ws-test-secret"

type testServer struct {
	srv    *httptest.Server
	gw     *gateway.Gateway
	engine *calls.Engine
}

func newTestServer(t *testing.T, cfg Config, callTimeout time.Duration) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := rooms.NewRegistry()
	gw := gateway.New(registry)
	engine := calls.NewEngine(calls.NewMemoryStore(calls.SystemClock, time.Minute), registry, logger, calls.Options{
		RequestTimeout:   callTimeout,
		MediaRoomBaseURL: "https://media.test/rooms",
	})
	h := NewHandler(auth.NewVerifier(testSecret, nil), gw, registry, relay.NewRouter(registry), engine, logger, nil, cfg)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})
	return &testServer{srv: srv, gw: gw, engine: engine}
}

func (ts *testServer) dial(t *testing.T, userID, role string) *websocket.Conn {
	t.Helper()
	token, err := auth.SignHS256(auth.Principal{UserID: userID, Role: role}, testSecret, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/?token=" + token
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	if err := c.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// expect reads until an event named name arrives and decodes its data.
func expect(t *testing.T, c *websocket.Conn, name string, dst any) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev inbound
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev.Event != name {
			continue
		}
		if dst != nil {
			if err := json.Unmarshal(ev.Data, dst); err != nil {
				t.Fatalf("decode %s: %v", name, err)
			}
		}
		return
	}
}

func TestRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestMessageRelay(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")
	therapist := ts.dial(t, "9", "therapist")

	before := time.Now().UTC().Add(-time.Second)
	send(t, patient, EventSendMessage, map[string]any{"to": 9, "from": "7", "message": "hello"})

	var msg relay.Message
	expect(t, therapist, relay.EventReceiveMessage, &msg)
	if msg.SenderID != "7" || msg.Content != "hello" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Timestamp.Before(before) {
		t.Fatalf("timestamp %v precedes send", msg.Timestamp)
	}
}

func TestSpoofedSenderRejected(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")

	send(t, patient, EventSendMessage, map[string]any{"to": "9", "from": "8", "message": "hi"})
	var e ErrorPayload
	expect(t, patient, EventError, &e)
	if e.Code != "forbidden" || e.Event != EventSendMessage {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestJoinOwnRoomOnly(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")

	send(t, patient, EventJoinUserRoom, "7")
	var joined JoinedPayload
	expect(t, patient, EventJoined, &joined)
	if joined.Room != "user-7" {
		t.Fatalf("joined %q", joined.Room)
	}

	send(t, patient, EventJoinTherapistRoom, map[string]string{"therapistId": "7"})
	var e ErrorPayload
	expect(t, patient, EventError, &e)
	if e.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %+v", e)
	}
}

func TestCallAcceptedReachesBothParties(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")
	therapist := ts.dial(t, "9", "therapist")

	send(t, patient, EventVideoCallRequest, map[string]any{"to": "9", "callType": "video"})
	var requested CallRequestedPayload
	expect(t, patient, EventCallRequested, &requested)

	var incoming calls.IncomingCall
	expect(t, therapist, calls.EventIncomingCall, &incoming)
	if incoming.CallID != requested.CallID || incoming.From != "7" {
		t.Fatalf("incoming %+v, requested %+v", incoming, requested)
	}

	send(t, therapist, EventCallAccepted, map[string]any{"to": "7", "callId": incoming.CallID})
	for _, c := range []*websocket.Conn{patient, therapist} {
		var est calls.Established
		expect(t, c, calls.EventCallEstablished, &est)
		if est.CallID != requested.CallID || !est.Established {
			t.Fatalf("unexpected established %+v", est)
		}
		if est.MediaRoomURL != "https://media.test/rooms/"+requested.CallID {
			t.Fatalf("media url %q", est.MediaRoomURL)
		}
	}

	send(t, patient, EventCallEnded, map[string]any{"callId": requested.CallID})
	var ended calls.Ended
	expect(t, therapist, calls.EventCallEnded, &ended)
	if ended.Reason != calls.ReasonLeft {
		t.Fatalf("reason %q", ended.Reason)
	}
}

func TestCallRequestTimesOut(t *testing.T) {
	ts := newTestServer(t, Config{}, 100*time.Millisecond)
	patient := ts.dial(t, "7", "patient")

	send(t, patient, EventVideoCallRequest, map[string]any{"to": "9"})
	var ended calls.Ended
	expect(t, patient, calls.EventCallEnded, &ended)
	if ended.Reason != calls.ReasonTimeout {
		t.Fatalf("reason %q", ended.Reason)
	}
}

func TestAcceptAfterRejectIsInvalid(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")
	therapist := ts.dial(t, "9", "therapist")

	send(t, patient, EventVideoCallRequest, map[string]any{"to": "9"})
	var incoming calls.IncomingCall
	expect(t, therapist, calls.EventIncomingCall, &incoming)

	send(t, therapist, EventCallRejected, map[string]any{"to": "7", "callId": incoming.CallID})
	var ended calls.Ended
	expect(t, patient, calls.EventCallEnded, &ended)
	if ended.Reason != calls.ReasonRejected {
		t.Fatalf("reason %q", ended.Reason)
	}

	send(t, therapist, EventCallAccepted, map[string]any{"callId": incoming.CallID})
	var e ErrorPayload
	expect(t, therapist, EventError, &e)
	if e.Code != "invalid_state_transition" {
		t.Fatalf("expected invalid transition, got %+v", e)
	}
}

func TestRejectWithWrongTargetIsForbidden(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	patient := ts.dial(t, "7", "patient")
	therapist := ts.dial(t, "9", "therapist")

	send(t, patient, EventVideoCallRequest, map[string]any{"to": "9"})
	var incoming calls.IncomingCall
	expect(t, therapist, calls.EventIncomingCall, &incoming)

	send(t, therapist, EventCallRejected, map[string]any{"to": "8", "callId": incoming.CallID})
	var e ErrorPayload
	expect(t, therapist, EventError, &e)
	if e.Code != "forbidden" || e.Event != EventCallRejected {
		t.Fatalf("expected forbidden, got %+v", e)
	}

	send(t, therapist, EventCallAccepted, map[string]any{"callId": incoming.CallID})
	var est calls.Established
	expect(t, patient, calls.EventCallEstablished, &est)
	if est.CallID != incoming.CallID {
		t.Fatalf("call should still be open after the refused reject: %+v", est)
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	c := ts.dial(t, "7", "patient")

	if err := c.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e ErrorPayload
	expect(t, c, EventError, &e)
	if e.Code != "validation_error" {
		t.Fatalf("expected validation error, got %+v", e)
	}

	send(t, c, "launch-rockets", nil)
	expect(t, c, EventError, &e)
	if e.Event != "launch-rockets" || e.Code != "validation_error" {
		t.Fatalf("unexpected %+v", e)
	}
}

func TestInboundRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{EventsPerSecond: 1, Burst: 1}, time.Minute)
	c := ts.dial(t, "7", "patient")

	send(t, c, EventTyping, map[string]any{"to": "9", "isTyping": true})
	send(t, c, EventTyping, map[string]any{"to": "9", "isTyping": false})
	var e ErrorPayload
	expect(t, c, EventError, &e)
	if e.Code != codeRateLimited {
		t.Fatalf("expected rate limit, got %+v", e)
	}
}

func TestDisconnectDetaches(t *testing.T) {
	ts := newTestServer(t, Config{}, time.Minute)
	c := ts.dial(t, "7", "patient")
	if ts.gw.Count() != 1 {
		t.Fatalf("expected one connection, got %d", ts.gw.Count())
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.gw.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still attached")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
