// Package metrics exposes engine counters through Prometheus.
//
// Every engine owns a Collector registered on its own registry, so several
// engines in one process (tests, tools) never collide. All methods are safe
// on a nil *Collector, which is how components run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recstore"

type Collector struct {
	registry *prometheus.Registry

	// Transactions counts transaction outcomes by result (begun, committed, aborted).
	Transactions *prometheus.CounterVec
	// Operations counts logged operations by kind name.
	Operations *prometheus.CounterVec

	LogAppends      prometheus.Counter
	LogBytes        prometheus.Counter
	LogForces       prometheus.Counter
	LogForceSeconds prometheus.Histogram

	BufferHits      prometheus.Counter
	BufferMisses    prometheus.Counter
	BufferEvictions prometheus.Counter
	PageWrites      prometheus.Counter

	LockWaits *prometheus.CounterVec

	RecoveryRecords *prometheus.CounterVec
	Checkpoints     prometheus.Counter
}

// New creates a Collector on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by outcome",
		}, []string{"result"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Logged record operations by kind",
		}, []string{"kind"}),
		LogAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "appends_total",
			Help:      "Log records appended",
		}),
		LogBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "bytes_total",
			Help:      "Bytes appended to the log",
		}),
		LogForces: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "forces_total",
			Help:      "Log fsyncs performed",
		}),
		LogForceSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "force_duration_seconds",
			Help:      "Latency of log write plus fsync",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		BufferHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "hits_total",
			Help:      "Page pins served from memory",
		}),
		BufferMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "misses_total",
			Help:      "Page pins that read the page file",
		}),
		BufferEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "evictions_total",
			Help:      "Frames reclaimed for other pages",
		}),
		PageWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "page_writes_total",
			Help:      "Pages written to the page file",
		}),
		LockWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "waits_total",
			Help:      "Lock requests that could not be granted immediately, by outcome",
		}, []string{"outcome"}),
		RecoveryRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "records_total",
			Help:      "Log records processed during restart by pass",
		}, []string{"pass"}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Completed checkpoints",
		}),
	}
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns the HTTP handler for /metrics.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) TxnBegun() {
	if c != nil {
		c.Transactions.WithLabelValues("begun").Inc()
	}
}

func (c *Collector) TxnCommitted() {
	if c != nil {
		c.Transactions.WithLabelValues("committed").Inc()
	}
}

func (c *Collector) TxnAborted() {
	if c != nil {
		c.Transactions.WithLabelValues("aborted").Inc()
	}
}

func (c *Collector) Operation(kind string) {
	if c != nil {
		c.Operations.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) Appended(bytes int) {
	if c != nil {
		c.LogAppends.Inc()
		c.LogBytes.Add(float64(bytes))
	}
}

func (c *Collector) Forced(d time.Duration) {
	if c != nil {
		c.LogForces.Inc()
		c.LogForceSeconds.Observe(d.Seconds())
	}
}

func (c *Collector) BufferHit() {
	if c != nil {
		c.BufferHits.Inc()
	}
}

func (c *Collector) BufferMiss() {
	if c != nil {
		c.BufferMisses.Inc()
	}
}

func (c *Collector) Evicted() {
	if c != nil {
		c.BufferEvictions.Inc()
	}
}

func (c *Collector) PageWritten() {
	if c != nil {
		c.PageWrites.Inc()
	}
}

// LockWait records a blocked lock request; outcome is granted, deadlock or timeout.
func (c *Collector) LockWait(outcome string) {
	if c != nil {
		c.LockWaits.WithLabelValues(outcome).Inc()
	}
}

// Recovered records n log records handled by a recovery pass.
func (c *Collector) Recovered(pass string, n int) {
	if c != nil {
		c.RecoveryRecords.WithLabelValues(pass).Add(float64(n))
	}
}

func (c *Collector) Checkpointed() {
	if c != nil {
		c.Checkpoints.Inc()
	}
}
