// Package metrics exposes the Prometheus collectors that report reply
// pipeline, preference cache and session activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "replyclaw"

// Metrics groups every replyclaw collector. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	messages           *prometheus.CounterVec
	replyLatency       prometheus.Histogram
	providerDuration   *prometheus.HistogramVec
	providerErrors     *prometheus.CounterVec
	extractionFailures *prometheus.CounterVec
	cacheRefreshErrors *prometheus.CounterVec
	cacheLastSuccess   prometheus.Gauge
	sessions           *prometheus.GaugeVec
	analyticsFailures  prometheus.Counter
}

// MustNewMetrics constructs and registers the collectors on reg. Registration
// errors panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "messages_total",
			Help:      "Incoming messages by final pipeline outcome.",
		}, []string{"platform", "outcome"}),
		replyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "reply_latency_seconds",
			Help:      "Time from message receipt to reply sent, including the configured delay.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Completion provider request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Completion provider failures by error kind.",
		}, []string{"op", "kind"}),
		extractionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extractor",
			Name:      "failures_total",
			Help:      "Attachment extractions that yielded no content because of an error.",
		}, []string{"modality"}),
		cacheRefreshErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prefs",
			Name:      "refresh_failures_total",
			Help:      "Failed preference cache refreshes by source; stale values keep being served.",
		}, []string{"source"}),
		cacheLastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "prefs",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful preference cache refresh.",
		}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "live",
			Help:      "Live account connections.",
		}, []string{"platform"}),
		analyticsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analytics",
			Name:      "write_failures_total",
			Help:      "Analytics records that could not be persisted.",
		}),
	}

	reg.MustRegister(
		m.messages,
		m.replyLatency,
		m.providerDuration,
		m.providerErrors,
		m.extractionFailures,
		m.cacheRefreshErrors,
		m.cacheLastSuccess,
		m.sessions,
		m.analyticsFailures,
	)
	return m
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// IncMessage counts a message that reached a terminal pipeline state.
func (m *Metrics) IncMessage(platform, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(platform, outcome).Inc()
}

// ObserveReplyLatency records receipt-to-send latency.
func (m *Metrics) ObserveReplyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.replyLatency.Observe(d.Seconds())
}

// ObserveProvider records one provider call.
func (m *Metrics) ObserveProvider(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(op).Observe(d.Seconds())
}

// IncProviderError counts a provider failure.
func (m *Metrics) IncProviderError(op, kind string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(op, kind).Inc()
}

// IncExtractionFailure counts a failed voice or image extraction.
func (m *Metrics) IncExtractionFailure(modality string) {
	if m == nil {
		return
	}
	m.extractionFailures.WithLabelValues(modality).Inc()
}

// IncCacheRefreshFailure counts a failed fetch from a preference source.
func (m *Metrics) IncCacheRefreshFailure(source string) {
	if m == nil {
		return
	}
	m.cacheRefreshErrors.WithLabelValues(source).Inc()
}

// SetCacheRefreshed records a fully successful cache refresh at t.
func (m *Metrics) SetCacheRefreshed(t time.Time) {
	if m == nil {
		return
	}
	m.cacheLastSuccess.Set(float64(t.Unix()))
}

// SessionStarted increments the live session gauge.
func (m *Metrics) SessionStarted(platform string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(platform).Inc()
}

// SessionStopped decrements the live session gauge.
func (m *Metrics) SessionStopped(platform string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(platform).Dec()
}

// IncAnalyticsFailure counts an analytics record that was lost.
func (m *Metrics) IncAnalyticsFailure() {
	if m == nil {
		return
	}
	m.analyticsFailures.Inc()
}
