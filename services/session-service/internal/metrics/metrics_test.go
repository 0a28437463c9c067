package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/md-rashed-zaman/telehealth/services/session-service/internal/calls"
)

func find(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func TestCountersRecord(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Delivered("receive-message", 3)
	m.CallTransition(calls.StateEnded, calls.ReasonTimeout)
	m.Booking("booked")
	m.ObserveHTTP("GET", "", 200, 5*time.Millisecond)

	if got := find(t, m, "telehealth_ws_connections").GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("connections = %v", got)
	}
	if got := find(t, m, "telehealth_room_deliveries_total").GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Fatalf("deliveries = %v", got)
	}
	labels := find(t, m, "telehealth_call_transitions_total").GetMetric()[0].GetLabel()
	if len(labels) != 2 || labels[0].GetValue() != "timeout" || labels[1].GetValue() != "ended" {
		t.Fatalf("unexpected labels %v", labels)
	}
	route := find(t, m, "telehealth_http_requests_total").GetMetric()[0].GetLabel()
	for _, l := range route {
		if l.GetName() == "route" && l.GetValue() != "unmatched" {
			t.Fatalf("route label = %q", l.GetValue())
		}
	}
}
