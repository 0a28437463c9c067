// Package ws serves the real-time event channel over WebSocket. Each inbound
// frame is an envelope {event, data}; the event name selects a handler from
// a fixed dispatch table.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
	"github.com/md-rashed-zaman/telehealth/libs/auth"
	"github.com/md-rashed-zaman/telehealth/libs/httpx"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/gateway"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/identity"
	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/relay"
)

type TokenVerifier interface {
	Verify(raw string) (auth.Principal, error)
}

// Rooms is the subset of the room registry the channel needs.
type Rooms interface {
	Join(roomID string, c *gateway.Conn)
	Leave(roomID string, c *gateway.Conn)
}

type Stats interface {
	ConnectionOpened()
	ConnectionClosed()
	WSEvent(event, code string)
	RateLimited(surface string)
}

type Config struct {
	SendBuffer      int
	EventsPerSecond float64
	Burst           int
	ReadLimit       int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	HandlerTimeout  time.Duration
	Origins         httpx.Origins
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = int(c.EventsPerSecond) * 2
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 10
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	return c
}

type Handler struct {
	verifier TokenVerifier
	gw       *gateway.Gateway
	rooms    Rooms
	router   *relay.Router
	calls    *calls.Engine
	logger   *slog.Logger
	stats    Stats
	cfg      Config
	upgrader websocket.Upgrader
	dispatch map[string]eventHandler
}

func NewHandler(verifier TokenVerifier, gw *gateway.Gateway, rooms Rooms, router *relay.Router, engine *calls.Engine, logger *slog.Logger, stats Stats, cfg Config) *Handler {
	cfg = cfg.withDefaults()
	h := &Handler{
		verifier: verifier,
		gw:       gw,
		rooms:    rooms,
		router:   router,
		calls:    engine,
		logger:   logger,
		stats:    stats,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.Origins) == 0 {
				return true
			}
			return cfg.Origins.Allowed(r.Header.Get("Origin"))
		},
	}
	h.dispatch = h.routes()
	return h
}

// ServeHTTP authenticates, attaches the connection and joins its own room
// before completing the upgrade, so the client is addressable as soon as the
// handshake returns.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		httpx.WriteError(w, r, h.logger, apperr.Unauthorized("missing token"))
		return
	}
	p, err := h.verifier.Verify(token)
	if err != nil {
		httpx.WriteError(w, r, h.logger, apperr.Unauthorized("invalid token"))
		return
	}
	id, err := identity.FromPrincipal(p)
	if err != nil {
		httpx.WriteError(w, r, h.logger, err)
		return
	}

	sink := gateway.NewChanSink(h.cfg.SendBuffer)
	gc := h.gw.Attach(id, sink)
	h.rooms.Join(id.RoomID(), gc)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.gw.Detach(gc)
		sink.Close()
		h.logger.Warn("websocket upgrade failed", "err", err, "user_id", id.ID)
		return
	}
	if h.stats != nil {
		h.stats.ConnectionOpened()
		defer h.stats.ConnectionClosed()
	}
	log := h.logger.With("conn_id", gc.ID(), "role", string(id.Role), "user_id", id.ID)
	log.Info("connection attached")

	s := &session{
		h:       h,
		conn:    conn,
		gc:      gc,
		sink:    sink,
		id:      id,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.EventsPerSecond), h.cfg.Burst),
		logger:  log,
		base:    context.WithoutCancel(r.Context()),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump()
	}()
	s.readPump()

	h.gw.Detach(gc)
	sink.Close()
	<-done
	log.Info("connection detached", "duration", time.Since(gc.AttachedAt()).String())
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EventError is sent back to the connection whose event failed.
const EventError = "error"

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const codeRateLimited = "rate_limited"
