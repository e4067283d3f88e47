package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the protocol engine.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	authAttempts      *prometheus.CounterVec
	compiles          *prometheus.CounterVec
	scriptBatches     *prometheus.CounterVec
	dumpBlocks        *prometheus.CounterVec
	restoreBlocks     *prometheus.CounterVec
	capabilityViol    *prometheus.CounterVec
	readinessReject   *prometheus.CounterVec

	parseDuration   *prometheus.HistogramVec
	executeDuration *prometheus.HistogramVec
	dumpDuration    *prometheus.HistogramVec
	restoreDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "protoengine_connections_active",
				Help: "Number of currently open frontend connections",
			},
			[]string{"state"},
		),
		authAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_auth_attempts_total",
				Help: "Authentication attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		compiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_compiles_total",
				Help: "Compile requests by outcome (hit, miss, last_anon)",
			},
			[]string{"outcome"},
		),
		scriptBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_script_batches_total",
				Help: "Executed query unit groups containing more than one unit",
			},
			[]string{},
		),
		dumpBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_dump_blocks_total",
				Help: "Data blocks emitted by the dump engine",
			},
			[]string{},
		),
		restoreBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_restore_blocks_total",
				Help: "Data blocks ingested by the restore engine",
			},
			[]string{},
		),
		capabilityViol: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_capability_violations_total",
				Help: "Queries rejected for requiring a disabled capability",
			},
			[]string{"capability"},
		),
		readinessReject: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "protoengine_readiness_rejections_total",
				Help: "Connections rejected while the server was not ready",
			},
			[]string{"reason"},
		),
		parseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "protoengine_parse_duration_seconds",
				Help:    "Time spent compiling a query through the compiler client",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{},
		),
		executeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "protoengine_execute_duration_seconds",
				Help:    "Time spent executing a compiled query unit group against the backend",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{},
		),
		dumpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "protoengine_dump_duration_seconds",
				Help:    "Wall-clock duration of a completed dump",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{},
		),
		restoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "protoengine_restore_duration_seconds",
				Help:    "Wall-clock duration of a completed restore",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.authAttempts,
		c.compiles,
		c.scriptBatches,
		c.dumpBlocks,
		c.restoreBlocks,
		c.capabilityViol,
		c.readinessReject,
		c.parseDuration,
		c.executeDuration,
		c.dumpDuration,
		c.restoreDuration,
	)

	return c
}

// ConnectionOpened records a new connection entering the given state
// ("authenticating", "ready", "dumping", "restoring").
func (c *Collector) ConnectionOpened(state string) {
	c.connectionsActive.WithLabelValues(state).Inc()
}

// ConnectionClosed decrements the active-connection gauge for state.
func (c *Collector) ConnectionClosed(state string) {
	c.connectionsActive.WithLabelValues(state).Dec()
}

// AuthAttempt records an authentication attempt outcome ("ok", "failed").
func (c *Collector) AuthAttempt(method, outcome string) {
	c.authAttempts.WithLabelValues(method, outcome).Inc()
}

// CompileRecorded records a compile's cache outcome and its duration.
func (c *Collector) CompileRecorded(outcome string, d time.Duration) {
	c.compiles.WithLabelValues(outcome).Inc()
	c.parseDuration.WithLabelValues().Observe(d.Seconds())
}

// ExecuteDuration observes the time spent running a compiled unit group.
func (c *Collector) ExecuteDuration(d time.Duration) {
	c.executeDuration.WithLabelValues().Observe(d.Seconds())
}

// ScriptBatchExecuted increments the multi-unit script batch counter.
func (c *Collector) ScriptBatchExecuted() {
	c.scriptBatches.WithLabelValues().Inc()
}

// CapabilityViolation increments the capability-violation counter for name.
func (c *Collector) CapabilityViolation(capability string) {
	c.capabilityViol.WithLabelValues(capability).Inc()
}

// ReadinessRejection increments the readiness-rejection counter for reason
// ("blocked", "offline"; cmd/protoengine also reports "pool_exhausted").
func (c *Collector) ReadinessRejection(reason string) {
	c.readinessReject.WithLabelValues(reason).Inc()
}

// DumpCompleted records a finished dump's emitted block count and duration.
func (c *Collector) DumpCompleted(blocks int, d time.Duration) {
	c.dumpBlocks.WithLabelValues().Add(float64(blocks))
	c.dumpDuration.WithLabelValues().Observe(d.Seconds())
}

// RestoreCompleted records a finished restore's ingested block count and duration.
func (c *Collector) RestoreCompleted(blocks int, d time.Duration) {
	c.restoreBlocks.WithLabelValues().Add(float64(blocks))
	c.restoreDuration.WithLabelValues().Observe(d.Seconds())
}
