package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/senseeact/notifyd/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	kind  string
	count int
}

func (p fakeProvider) Kind() string { return p.kind }
func (p fakeProvider) Count() int   { return p.count }

func TestTelemetry_DisabledIsNoop(t *testing.T) {
	if registry != nil {
		t.Skip("telemetry already initialized")
	}
	assert.Nil(t, GetMetricsHandler())
	assert.NotPanics(t, func() {
		WatchCallsTotal.With("subject", "events").Inc()
		CallbackDurationSeconds.Observe(0.1)
		BlockedWatchers.Inc()
		BlockedWatchers.Dec()
	})
}

func TestTelemetry_CollectorExportsGauges(t *testing.T) {
	cfg.Config.Prometheus.Enabled = true
	InitializeTelemetry()
	InitMetrics()

	mc := NewMetricsCollector(time.Hour, fakeProvider{kind: "subject", count: 3}, nil, fakeProvider{kind: "push", count: 7})
	mc.Start()
	mc.Stop()

	handler := GetMetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `notifyd_active_registrations{kind="subject"`)
	assert.Contains(t, string(body), `notifyd_active_registrations{kind="push"`)
}
