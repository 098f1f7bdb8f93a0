package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("signaling_joins_total")
	m.Add("signaling_messages_relayed_total", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE videokall_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `videokall_events_total{event="signaling_messages_relayed_total"} 2`) {
		t.Fatalf("missing relayed counter: %s", body)
	}
	if !strings.Contains(body, `videokall_events_total{event="signaling_joins_total"} 1`) {
		t.Fatalf("missing joins counter: %s", body)
	}
	// Label escaping must match Prometheus text format rules.
	if !strings.Contains(body, `videokall_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestMetrics_Snapshot(t *testing.T) {
	m := New()
	m.Inc("a")
	m.Add("b", 3)

	snap := m.Snapshot()
	if snap["a"] != 1 || snap["b"] != 3 {
		t.Fatalf("snapshot = %v", snap)
	}

	// Snapshots are copies.
	snap["a"] = 99
	if m.Get("a") != 1 {
		t.Fatalf("snapshot mutation leaked into registry")
	}
}
