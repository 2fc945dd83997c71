package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maxpert/syncbridge/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	h := GetMetricsHandler()
	require.NotNil(t, h)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

// enableMetrics swaps in a fresh registry and restores no-op metrics afterwards
func enableMetrics(t *testing.T) {
	t.Helper()
	prev := cfg.Config.Prometheus.Enabled
	cfg.Config.Prometheus.Enabled = true
	InitializeTelemetry()
	t.Cleanup(func() {
		cfg.Config.Prometheus.Enabled = prev
		registry = nil
		InitMetrics()
	})
}

func TestNoopWhenDisabled(t *testing.T) {
	require.Nil(t, registry)
	assert.Nil(t, GetMetricsHandler())

	NewCounterVec("x_total", "x", []string{"a"}).With("b").Inc()
	NewHistogram("y", "y", nil).Observe(1)
	NewGauge("z", "z").Set(3)
	ObserveSince(MirrorWriteSeconds.With("set"), time.Now())
}

func TestInitializeTelemetry_RegistersSyncMetrics(t *testing.T) {
	enableMetrics(t)

	ChangeRecordsTotal.With("orders", "mirrored").Inc()
	BridgeCursor.With("orders").Set(42)
	ObserveSince(MirrorWriteSeconds.With("cas"), time.Now().Add(-time.Millisecond))
	RateLimitRejectedTotal.With("guest").Inc()

	body := scrape(t)
	assert.Contains(t, body, `syncbridge_change_records_total{collection="orders",node_id=`)
	assert.Contains(t, body, `syncbridge_bridge_cursor{collection="orders",node_id=`)
	assert.Contains(t, body, `syncbridge_mirror_write_seconds_count{node_id=`)
	assert.Contains(t, body, `syncbridge_rate_limit_rejected_total{node_id=`)
	assert.Contains(t, body, "go_goroutines")
}

type fakeStats struct{ conns, subs, watchers int }

func (f fakeStats) OpenConnections() int { return f.conns }
func (f fakeStats) Subscriptions() int   { return f.subs }
func (f fakeStats) ActiveWatchers() int  { return f.watchers }

func TestMetricsCollector_ExportsGauges(t *testing.T) {
	enableMetrics(t)

	stats := fakeStats{conns: 3, subs: 5, watchers: 2}
	mc := NewMetricsCollector(stats, stats, time.Hour)
	mc.Start()
	mc.Stop()
	mc.Stop()

	body := scrape(t)
	assert.Regexp(t, `syncbridge_open_connections\{node_id="\d+"\} 3`, body)
	assert.Regexp(t, `syncbridge_mirror_subscriptions\{node_id="\d+"\} 5`, body)
	assert.Regexp(t, `syncbridge_active_watchers\{node_id="\d+"\} 2`, body)
}
