// ============================================================================
// Engine Metrics
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes runtime metrics for Prometheus.
//
// Metrics:
//
//   1. Counters
//      - engine_commands_total{outcome}: command outcomes
//        (sent, success, retry, timeout, failed, abort)
//      - engine_watchdog_escalations_total{level}: trace, interrupt, fatal
//      - engine_errors_total: failures routed through the error funnel
//
//   2. Histograms
//      - engine_command_latency_seconds: send to settle
//
//   3. Gauges
//      - engine_modules{state}: modules per lifecycle state
//      - engine_modules_connected: modules whose transport is up
//      - engine_reactor_pending{reactor}: queued tasks per reactor
//      - engine_boot_seconds: duration of the last boot
//
// Every method is safe on a nil *Collector so components can run without
// metrics.
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	commands    *prometheus.CounterVec
	escalations *prometheus.CounterVec
	errors      prometheus.Counter

	latency prometheus.Histogram

	modules   *prometheus.GaugeVec
	connected prometheus.Gauge
	pending   *prometheus.GaugeVec
	boot      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector registers the engine metrics with reg. A nil reg uses a
// private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_commands_total",
			Help: "Command outcomes by kind",
		}, []string{"outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_watchdog_escalations_total",
			Help: "Watchdog escalations by level",
		}, []string{"level"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_errors_total",
			Help: "Failures reported through the error funnel",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_command_latency_seconds",
			Help:    "Time from transmit to settle",
			Buckets: prometheus.DefBuckets,
		}),
		modules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_modules",
			Help: "Modules per lifecycle state",
		}, []string{"state"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_modules_connected",
			Help: "Modules whose transport is connected",
		}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_reactor_pending",
			Help: "Tasks queued per reactor",
		}, []string{"reactor"}),
		boot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_boot_seconds",
			Help: "Duration of the last boot",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		c.commands,
		c.escalations,
		c.errors,
		c.latency,
		c.modules,
		c.connected,
		c.pending,
		c.boot,
	)
	return c
}

// ObserveCommand records a command outcome. elapsed is zero for outcomes
// that did not reach the wire.
func (c *Collector) ObserveCommand(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(outcome).Inc()
	if outcome == "success" && elapsed > 0 {
		c.latency.Observe(elapsed.Seconds())
	}
}

// RecordEscalation counts a watchdog escalation.
func (c *Collector) RecordEscalation(level string) {
	if c == nil {
		return
	}
	c.escalations.WithLabelValues(level).Inc()
}

// RecordError counts a funnelled failure.
func (c *Collector) RecordError() {
	if c == nil {
		return
	}
	c.errors.Inc()
}

// SetModules replaces the per-state module counts.
func (c *Collector) SetModules(byState map[string]int, connected int) {
	if c == nil {
		return
	}
	c.modules.Reset()
	for state, n := range byState {
		c.modules.WithLabelValues(state).Set(float64(n))
	}
	c.connected.Set(float64(connected))
}

// SetReactorPending records the backlog of one reactor.
func (c *Collector) SetReactorPending(reactor string, pending int) {
	if c == nil {
		return
	}
	c.pending.WithLabelValues(reactor).Set(float64(pending))
}

// SetBootTime records how long the last boot took.
func (c *Collector) SetBootTime(d time.Duration) {
	if c == nil {
		return
	}
	c.boot.Set(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
