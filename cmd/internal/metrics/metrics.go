// Package metrics exposes Prometheus instrumentation for the entanglement protocol.
package metrics

import (
	"entangle/cmd/internal/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "entangle").
	Namespace string

	// Registry is the Prometheus registerer (default: a fresh registry).
	Registry prometheus.Registerer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics implements protocol.Observer on top of Prometheus collectors.
type Metrics struct {
	stageAttempts    *prometheus.CounterVec
	sessionsCreated  prometheus.Counter
	sessionsEvicted  *prometheus.CounterVec
	liveSessions     prometheus.Gauge
	wsWatchersActive prometheus.Gauge
}

var _ protocol.Observer = (*Metrics)(nil)

// New registers the collectors and returns the metric set.
func New(opts ...Option) *Metrics {
	cfg := Config{Namespace: "entangle"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		stageAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage calls by stage and outcome code",
		}, []string{"stage", "code"}),

		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created by stage 1",
		}),

		sessionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed from the store by reason",
		}, []string{"reason"}),

		liveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_live",
			Help:      "Sessions currently held in memory",
		}),

		wsWatchersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "ws_watchers_active",
			Help:      "Open WebSocket status watchers",
		}),
	}
}

// SessionCreated implements protocol.Observer.
func (m *Metrics) SessionCreated() {
	m.sessionsCreated.Inc()
	m.liveSessions.Inc()
}

// SessionsEvicted implements protocol.Observer.
func (m *Metrics) SessionsEvicted(reason protocol.EvictReason, n int) {
	if n <= 0 {
		return
	}
	m.sessionsEvicted.WithLabelValues(string(reason)).Add(float64(n))
	m.liveSessions.Sub(float64(n))
}

// StageObserved implements protocol.Observer.
func (m *Metrics) StageObserved(stage protocol.Stage, code string) {
	m.stageAttempts.WithLabelValues(stage.String(), code).Inc()
}

// WatcherOpened records a new WebSocket watcher.
func (m *Metrics) WatcherOpened() { m.wsWatchersActive.Inc() }

// WatcherClosed records a closed WebSocket watcher.
func (m *Metrics) WatcherClosed() { m.wsWatchersActive.Dec() }
