// Package metrics exposes Prometheus counters for authorization decisions,
// handoff transitions and dispatcher side effects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns its registry so several instances can live in one process (tests, embedded use).
type Collector struct {
	registry *prometheus.Registry

	decisionsTotal    *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	replaysTotal      prometheus.Counter
	authorizeDuration *prometheus.HistogramVec
	effectsTotal      *prometheus.CounterVec
	dispatchTotal     *prometheus.CounterVec
	recoveriesTotal   *prometheus.CounterVec

	logger *zap.Logger
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.decisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_decisions_total",
			Help:      "Authorization decisions by outcome",
		},
		[]string{"decision", "reason", "environment"},
	)

	c.transitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_transitions_total",
			Help:      "Applied handoff state transitions",
		},
		[]string{"from", "to"},
	)

	c.replaysTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_replays_total",
			Help:      "Authorize calls answered from a previously recorded decision",
		},
	)

	c.authorizeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorize_duration_seconds",
			Help:      "Authorize latency including lock wait",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"decision"},
	)

	c.effectsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_effects_total",
			Help:      "Side effects invoked after an allowed decision",
		},
		[]string{"status"},
	)

	c.dispatchTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_events_total",
			Help:      "Verified events handled by the dispatcher",
		},
		[]string{"outcome"},
	)

	c.recoveriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_recoveries_total",
			Help:      "Work item projections checked against the ledger",
		},
		[]string{"result"},
	)

	return c
}

func (c *Collector) RecordDecision(decision, reason, environment string, d time.Duration) {
	if c == nil {
		return
	}
	c.decisionsTotal.WithLabelValues(decision, reason, environment).Inc()
	c.authorizeDuration.WithLabelValues(decision).Observe(d.Seconds())
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordReplay() {
	if c == nil {
		return
	}
	c.replaysTotal.Inc()
}

// RecordEffect counts side effects by status: ok, failed or skipped.
func (c *Collector) RecordEffect(status string) {
	if c == nil {
		return
	}
	c.effectsTotal.WithLabelValues(status).Inc()
}

func (c *Collector) RecordDispatch(outcome string) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(outcome).Inc()
}

// RecordRecovery counts projections by result: ok or repaired.
func (c *Collector) RecordRecovery(result string) {
	if c == nil {
		return
	}
	c.recoveriesTotal.WithLabelValues(result).Inc()
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(c.logger),
	})
}
