package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nupi-ai/hostd/internal/eventbus"
)

func TestOnPublishCountsTopics(t *testing.T) {
	m := New()
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicHostLog})
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicHostLog})
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicConfigChanged})
	m.OnPublish(eventbus.Envelope{})

	if got := testutil.ToFloat64(m.events.WithLabelValues(string(eventbus.TopicHostLog))); got != 2 {
		t.Fatalf("host.log count = %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues(string(eventbus.TopicConfigChanged))); got != 1 {
		t.Fatalf("config.changed count = %v", got)
	}
}

func TestStatusGaugeTracksCurrentStatus(t *testing.T) {
	m := New()
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicHostStatus, Payload: eventbus.StatusEvent{Status: "rebuilding"}})
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicHostStatus, Payload: eventbus.StatusEvent{Status: "running", Previous: "rebuilding"}})

	if got := testutil.ToFloat64(m.status.WithLabelValues("running")); got != 1 {
		t.Fatalf("running = %v", got)
	}
	if got := testutil.ToFloat64(m.status.WithLabelValues("rebuilding")); got != 0 {
		t.Fatalf("rebuilding = %v", got)
	}
}

func TestRebuildAndCommandMetrics(t *testing.T) {
	m := New()
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicRebuildDone, Payload: eventbus.RebuildEvent{
		Duration: 200 * time.Millisecond,
		Routes:   []string{"/a", "/b"},
	}})
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicRebuildDone, Payload: eventbus.RebuildEvent{
		Error: &eventbus.ErrorInfo{Message: errors.New("boom").Error()},
	}})
	m.OnPublish(eventbus.Envelope{Topic: eventbus.TopicControlAudit, Payload: eventbus.ControlAuditEvent{Command: "ServerReset", Outcome: "ok"}})

	if got := testutil.ToFloat64(m.rebuilds.WithLabelValues("success")); got != 1 {
		t.Fatalf("success = %v", got)
	}
	if got := testutil.ToFloat64(m.rebuilds.WithLabelValues("failure")); got != 1 {
		t.Fatalf("failure = %v", got)
	}
	if got := testutil.ToFloat64(m.routes); got != 2 {
		t.Fatalf("routes = %v", got)
	}
	if got := testutil.ToFloat64(m.commands.WithLabelValues("ServerReset", "ok")); got != 1 {
		t.Fatalf("commands = %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	h := m.Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{"hostd_http_requests_total", `code="418"`, "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
