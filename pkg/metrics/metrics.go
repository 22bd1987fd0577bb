// Package metrics owns the service's Prometheus registry and the collectors
// recorded by the resolver, the backend gateway and the step label cache.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes.
const (
	OutcomeFound   = "found"
	OutcomeEmpty   = "empty"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Step notification results.
const (
	NotifyPublished = "published"
	NotifySkipped   = "skipped"
	NotifyFailed    = "failed"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Resolutions       *prometheus.CounterVec
	BackendDuration   *prometheus.HistogramVec
	StepNotifications *prometheus.CounterVec
	LabelCacheSize    prometheus.Gauge
	ActiveRequests    prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Content resolutions by content type and outcome",
			},
			[]string{"content_type", "outcome"},
		),
		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_seconds",
				Help:      "Time spent waiting for backend replies",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"address", "status"},
		),
		StepNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_notifications_total",
				Help:      "Step notifications by result",
			},
			[]string{"result"},
		),
		LabelCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "step_labels",
				Help:      "Number of step labels currently cached",
			},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of HTTP requests in flight",
			},
		),
	}
	m.Registry.MustRegister(
		m.Resolutions,
		m.BackendDuration,
		m.StepNotifications,
		m.LabelCacheSize,
		m.ActiveRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveResolution(contentType, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(contentType, outcome).Inc()
}

func (m *Metrics) ObserveBackend(address, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.BackendDuration.WithLabelValues(address, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.StepNotifications.WithLabelValues(result).Inc()
}

func (m *Metrics) SetLabelCacheSize(n int) {
	if m == nil {
		return
	}
	m.LabelCacheSize.Set(float64(n))
}

// TrackRequest increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackRequest() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveRequests.Inc()
	return m.ActiveRequests.Dec
}
