// Package metrics tracks scheduler counters. Values are exported to
// Prometheus on a private registry and mirrored in atomic counters for the
// JSON status endpoint.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServiceName is the AppContext service key of the shared Metrics.
const ServiceName = "metrics"

// Skip reasons.
const (
	SkipExpired  = "expired"
	SkipDisabled = "disabled"
	SkipLease    = "lease"
)

// Metrics holds the scheduler's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatch   *prometheus.CounterVec
	reload     *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	projection prometheus.Gauge
	version    prometheus.Gauge
	tick       prometheus.Histogram

	dispatched     atomic.Int64
	failed         atomic.Int64
	reloads        atomic.Int64
	reloadFailures atomic.Int64
	skips          atomic.Int64
	entries        atomic.Int64
	storeVersion   atomic.Int64
	lastTick       atomic.Int64 // unix nanoseconds
}

// New creates a Metrics registered on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbeat_dispatch_total",
			Help: "Task hand-offs to the dispatch sink, by result.",
		}, []string{"result"}),
		reload: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbeat_reload_total",
			Help: "Projection rebuilds, by result.",
		}, []string{"result"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sbeat_skipped_total",
			Help: "Due occurrences that were not dispatched, by reason.",
		}, []string{"reason"}),
		projection: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbeat_projection_entries",
			Help: "Entries currently held in the scheduling projection.",
		}),
		version: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sbeat_store_version",
			Help: "Store change version the projection was built from.",
		}),
		tick: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sbeat_tick_duration_seconds",
			Help:    "Duration of firing passes.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.registry.MustRegister(
		m.dispatch, m.reload, m.skipped, m.projection, m.version, m.tick,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordDispatch records one hand-off attempt.
func (m *Metrics) RecordDispatch(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.dispatched.Add(1)
		m.dispatch.WithLabelValues("ok").Inc()
		return
	}
	m.failed.Add(1)
	m.dispatch.WithLabelValues("rejected").Inc()
}

// RecordReload records a projection rebuild.
func (m *Metrics) RecordReload(ok bool, entries int, version int64) {
	if m == nil {
		return
	}
	if !ok {
		m.reloadFailures.Add(1)
		m.reload.WithLabelValues("error").Inc()
		return
	}
	m.reloads.Add(1)
	m.reload.WithLabelValues("ok").Inc()
	m.SetProjection(entries)
	m.storeVersion.Store(version)
	m.version.Set(float64(version))
}

// SetProjection records the current projection size.
func (m *Metrics) SetProjection(entries int) {
	if m == nil {
		return
	}
	m.entries.Store(int64(entries))
	m.projection.Set(float64(entries))
}

// RecordSkip records an occurrence that was not dispatched.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.skips.Add(1)
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveTick records the duration of a firing pass that ended at end.
func (m *Metrics) ObserveTick(d time.Duration, end time.Time) {
	if m == nil {
		return
	}
	m.tick.Observe(d.Seconds())
	m.lastTick.Store(end.UnixNano())
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	snap := Snapshot{
		Dispatched:     m.dispatched.Load(),
		Failed:         m.failed.Load(),
		Reloads:        m.reloads.Load(),
		ReloadFailures: m.reloadFailures.Load(),
		Skipped:        m.skips.Load(),
		Entries:        m.entries.Load(),
		StoreVersion:   m.storeVersion.Load(),
	}
	if ns := m.lastTick.Load(); ns > 0 {
		t := time.Unix(0, ns).UTC()
		snap.LastTick = &t
	}
	return snap
}

// Snapshot is a serializable point-in-time metrics view.
type Snapshot struct {
	Dispatched     int64      `json:"dispatched"`
	Failed         int64      `json:"dispatch_failed"`
	Reloads        int64      `json:"reloads"`
	ReloadFailures int64      `json:"reload_failures"`
	Skipped        int64      `json:"skipped"`
	Entries        int64      `json:"projection_entries"`
	StoreVersion   int64      `json:"store_version"`
	LastTick       *time.Time `json:"last_tick,omitempty"`
}
