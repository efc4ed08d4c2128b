package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestStandardMetricsExposed(t *testing.T) {
	m := New()
	m.ActiveConnections.Set(2)
	m.CountMessage("group", "100")
	m.ObserveAIRequest("gemini", "ok", 700*time.Millisecond)
	m.PluginExecutions.WithLabelValues("ai_chat", "ok").Inc()
	m.RateLimitedTotal.WithLabelValues("g_100").Inc()
	m.CountError("network", "2002")

	body := scrape(t, m)

	assert.Contains(t, body, "# HELP uptime_seconds")
	assert.Contains(t, body, "# TYPE uptime_seconds gauge")
	assert.Contains(t, body, "active_connections 2")
	assert.Contains(t, body, `messages_total{group="100",type="group"} 1`)
	assert.Contains(t, body, `ai_requests_total{model="gemini",status="ok"} 1`)
	assert.Contains(t, body, "# TYPE ai_latency_seconds histogram")
	assert.Contains(t, body, `ai_latency_seconds_bucket{le="1"} 1`)
	assert.Contains(t, body, `ai_latency_seconds_bucket{le="0.5"} 0`)
	assert.Contains(t, body, `ai_latency_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, body, "ai_latency_seconds_sum")
	assert.Contains(t, body, "ai_latency_seconds_count 1")
	assert.Contains(t, body, `plugin_executions_total{plugin="ai_chat",status="ok"} 1`)
	assert.Contains(t, body, `rate_limited_total{key="g_100"} 1`)
	assert.Contains(t, body, `errors_total{code="2002",module="network"} 1`)
	assert.Contains(t, body, "memory_bytes")
}

func TestCustomCollector(t *testing.T) {
	m := New()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "custom_thing", Help: "A custom collector."})
	require.NoError(t, m.RegisterCollector("custom", g))
	g.Set(7)

	body := scrape(t, m)
	assert.Contains(t, body, "custom_thing 7")

	m.UnregisterCollector("custom")
	body = scrape(t, m)
	assert.NotContains(t, body, "custom_thing")
}

func TestSummary(t *testing.T) {
	m := New()
	m.CountMessage("private", "0")
	m.ObserveAIRequest("gemini", "error", time.Second)

	sum := m.Summary()
	require.Contains(t, sum, "messages_total")
	require.Contains(t, sum, "ai_latency_seconds")
	require.Contains(t, sum, "uptime_seconds")

	msgs := sum["messages_total"].([]map[string]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(1), msgs[0]["value"])
	labels := msgs[0]["labels"].(map[string]string)
	assert.Equal(t, "private", labels["type"])

	hist := sum["ai_latency_seconds"].([]map[string]any)
	require.Len(t, hist, 1)
	assert.Equal(t, uint64(1), hist[0]["count"])
}
