// Package metrics holds the session service's Prometheus collectors. Each
// method satisfies one of the small Stats interfaces of the domain packages.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
)

const namespace = "telehealth"

type Metrics struct {
	Registry *prometheus.Registry

	connections   prometheus.Gauge
	presence      *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	wsEvents      *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	callStates    *prometheus.CounterVec
	bookings      *prometheus.CounterVec
	outboxSent    *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Open real-time connections on this instance.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_changes_total",
			Help: "Online/offline flips observed by this instance.",
		}, []string{"role", "online"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "room_deliveries_total",
			Help: "Events handed to connection sinks.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "room_drops_total",
			Help: "Events dropped because a connection buffer was full.",
		}, []string{"event"}),
		wsEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_events_total",
			Help: "Inbound real-time events by name and result code.",
		}, []string{"event", "code"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Requests or events rejected by a rate limiter.",
		}, []string{"surface"}),
		callStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "call_transitions_total",
			Help: "Applied call state transitions.",
		}, []string{"state", "reason"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bookings_total",
			Help: "Booking attempts by outcome.",
		}, []string{"outcome"}),
		outboxSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_published_total",
			Help: "Outbox events written to Kafka.",
		}, []string{"event_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.presence, m.delivered, m.dropped, m.wsEvents, m.rateLimited,
		m.callStates, m.bookings, m.outboxSent, m.httpRequests, m.httpDurations,
	)
	return m
}

func (m *Metrics) ConnectionOpened() { m.connections.Inc() }
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

func (m *Metrics) PresenceChanged(role string, online bool) {
	m.presence.WithLabelValues(role, strconv.FormatBool(online)).Inc()
}

func (m *Metrics) Delivered(event string, n int) { m.delivered.WithLabelValues(event).Add(float64(n)) }
func (m *Metrics) Dropped(event string, n int)   { m.dropped.WithLabelValues(event).Add(float64(n)) }

func (m *Metrics) WSEvent(event, code string) { m.wsEvents.WithLabelValues(event, code).Inc() }
func (m *Metrics) RateLimited(surface string) { m.rateLimited.WithLabelValues(surface).Inc() }

func (m *Metrics) CallTransition(to calls.State, reason calls.EndReason) {
	m.callStates.WithLabelValues(string(to), string(reason)).Inc()
}

func (m *Metrics) Booking(outcome string) { m.bookings.WithLabelValues(outcome).Inc() }

func (m *Metrics) OutboxPublished(eventType string) { m.outboxSent.WithLabelValues(eventType).Inc() }

// ObserveHTTP matches httpx.RequestObserver.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
