// Package metrics exposes the runtime's instruments on a dedicated
// prometheus registry, with the text exposition served by promhttp and a
// summarized JSON view for the admin API.
package metrics

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// AILatencyBuckets are the histogram bounds for upstream AI latency in
// seconds.
var AILatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}

// Metrics owns the registry and the standard instruments.
type Metrics struct {
	reg       *prometheus.Registry
	startTime time.Time

	ActiveConnections prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	AIRequestsTotal   *prometheus.CounterVec
	AILatencySeconds  prometheus.Histogram
	PluginExecutions  *prometheus.CounterVec
	RateLimitedTotal  *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	mu     sync.Mutex
	custom map[string]prometheus.Collector
}

// New builds the registry and registers the standard metrics.
func New() *Metrics {
	m := &Metrics{
		reg:       prometheus.NewRegistry(),
		startTime: time.Now(),
		custom:    map[string]prometheus.Collector{},
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since the process started.",
	}, func() float64 { return time.Since(m.startTime).Seconds() })

	memory := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "memory_bytes",
		Help: "Memory obtained from the OS by the runtime.",
	}, memoryBytes)

	m.ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Open gateway connections.",
	})
	m.MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_total",
		Help: "Inbound messages by type and group.",
	}, []string{"type", "group"})
	m.AIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_requests_total",
		Help: "Upstream AI requests by model and status.",
	}, []string{"model", "status"})
	m.AILatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_latency_seconds",
		Help:    "Upstream AI request latency.",
		Buckets: AILatencyBuckets,
	})
	m.PluginExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plugin_executions_total",
		Help: "Plugin handler invocations by plugin and status.",
	}, []string{"plugin", "status"})
	m.RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_total",
		Help: "Requests rejected by the rate limiter, per key.",
	}, []string{"key"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Errors by module and code.",
	}, []string{"module", "code"})

	m.reg.MustRegister(uptime, memory, m.ActiveConnections, m.MessagesTotal,
		m.AIRequestsTotal, m.AILatencySeconds, m.PluginExecutions,
		m.RateLimitedTotal, m.ErrorsTotal)
	return m
}

func memoryBytes() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys)
}

// Handler serves the Prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// RegisterCollector adds a custom collector under a name for later removal.
func (m *Metrics) RegisterCollector(name string, c prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reg.Register(c); err != nil {
		return err
	}
	m.custom[name] = c
	return nil
}

// UnregisterCollector removes a custom collector by name.
func (m *Metrics) UnregisterCollector(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.custom[name]; ok {
		m.reg.Unregister(c)
		delete(m.custom, name)
	}
}

// Summary renders every metric family as a JSON-friendly map for
// /api/metrics.
func (m *Metrics) Summary() map[string]any {
	families, err := m.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("metrics: gather failed")
		return map[string]any{"error": err.Error()}
	}

	out := map[string]any{}
	for _, fam := range families {
		var entries []map[string]any
		for _, metric := range fam.GetMetric() {
			entry := map[string]any{}
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if len(labels) > 0 {
				entry["labels"] = labels
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				entry["value"] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				entry["value"] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				entry["count"] = h.GetSampleCount()
				entry["sum"] = h.GetSampleSum()
			default:
				entry["value"] = metric.GetUntyped().GetValue()
			}
			entries = append(entries, entry)
		}
		out[fam.GetName()] = entries
	}
	return out
}

// ObserveAIRequest records one upstream call.
func (m *Metrics) ObserveAIRequest(model, status string, latency time.Duration) {
	m.AIRequestsTotal.WithLabelValues(model, status).Inc()
	m.AILatencySeconds.Observe(latency.Seconds())
}

// CountMessage records one inbound message.
func (m *Metrics) CountMessage(msgType, group string) {
	m.MessagesTotal.WithLabelValues(msgType, group).Inc()
}

// CountError records one classified error.
func (m *Metrics) CountError(module, code string) {
	m.ErrorsTotal.WithLabelValues(module, code).Inc()
}
