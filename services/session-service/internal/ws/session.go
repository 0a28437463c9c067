package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
)

type session struct {
	h       *Handler
	conn    *websocket.Conn
	gc      *gateway.Conn
	sink    *gateway.ChanSink
	id      identity.Identity
	limiter *rate.Limiter
	logger  *slog.Logger
	base    context.Context
}

func (s *session) readPump() {
	cfg := s.h.cfg
	s.conn.SetReadLimit(cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("read ended", "err", err)
			}
			return
		}
		s.handleFrame(raw)
	}
}

func (s *session) handleFrame(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		s.fail("", apperr.Validation("frame must be a JSON object with an event name"))
		return
	}
	if !s.limiter.Allow() {
		if s.h.stats != nil {
			s.h.stats.RateLimited("ws")
		}
		s.reply(EventError, ErrorPayload{Event: env.Event, Code: codeRateLimited, Message: "too many events"})
		return
	}
	handle, ok := s.h.dispatch[env.Event]
	if !ok {
		s.fail(env.Event, apperr.Validation("unknown event"))
		return
	}

	ctx, cancel := context.WithTimeout(s.base, s.h.cfg.HandlerTimeout)
	err := handle(ctx, s, env.Data)
	cancel()
	if err != nil {
		s.fail(env.Event, err)
		return
	}
	s.observe(env.Event, "ok")
}

// writePump is the only writer on the socket. It exits when the sink is
// closed or a write fails.
func (s *session) writePump() {
	cfg := s.h.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	events := s.sink.Events()
	for {
		select {
		case ev, ok := <-events:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) reply(name string, data any) {
	if !s.gc.Deliver(gateway.Event{Name: name, Data: data}) {
		s.logger.Debug("reply dropped", "event", name)
	}
}

func (s *session) fail(event string, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		s.logger.Error("event failed", "event", event, "err", err)
	} else {
		s.logger.Warn("event rejected", "event", event, "code", string(kind), "reason", apperr.Message(err))
	}
	s.observe(event, string(kind))
	s.reply(EventError, ErrorPayload{Event: event, Code: string(kind), Message: apperr.Message(err)})
}

func (s *session) observe(event, code string) {
	if s.h.stats == nil {
		return
	}
	if _, ok := s.h.dispatch[event]; !ok {
		event = "unknown"
	}
	s.h.stats.WSEvent(event, code)
}
