// ABOUTME: Prometheus collectors for sessions, protocol traffic and identity persistence
// ABOUTME: Owns a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harmony"

// Auth results.
const (
	AuthSuccess  = "success"
	AuthFailed   = "failed"
	AuthRegister = "register"
)

// Metrics holds the gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	Auth             *prometheus.CounterVec
	Messages         *prometheus.CounterVec
	Interventions    *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
	RateLimited      prometheus.Counter
	SessionsSwept    prometheus.Counter
	PersistenceSaves *prometheus.CounterVec
	SaveDuration     prometheus.Histogram
}

// New creates collectors registered on a fresh registry alongside the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live authenticated sessions.",
		}),
		Auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Authentication and registration attempts by result.",
		}, []string{"result"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages handled by type.",
		}, []string{"type"}),
		Interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interventions_total",
			Help:      "Contributions rejected by moderation by required action.",
		}, []string{"action"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast deliveries skipped because a session outbox was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages rejected by the per-connection rate limit.",
		}),
		SessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Sessions closed by the inactivity sweep.",
		}),
		PersistenceSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "saves_total",
			Help:      "Identity store snapshot writes by result.",
		}, []string{"result"}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "identity",
			Name:      "save_duration_seconds",
			Help:      "Time spent writing an identity store snapshot.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.Auth,
		m.Messages,
		m.Interventions,
		m.BroadcastDropped,
		m.RateLimited,
		m.SessionsSwept,
		m.PersistenceSaves,
		m.SaveDuration,
	)
	return m
}

// ObserveSave records one identity snapshot write. Its signature matches
// identity.Options.SaveHook.
func (m *Metrics) ObserveSave(err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PersistenceSaves.WithLabelValues(result).Inc()
	m.SaveDuration.Observe(took.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
