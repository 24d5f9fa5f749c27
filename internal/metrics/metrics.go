// Package metrics owns the Prometheus collectors shared by the scheduler, builder and
// cache managers and the HTTP layer. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "buildplane"

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	buildBuckets     = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}
)

// Metrics groups every collector.
type Metrics struct {
	queueDepth    prometheus.Gauge
	nodes         *prometheus.GaugeVec
	capacity      prometheus.Gauge
	load          prometheus.Gauge
	scheduled     *prometheus.CounterVec
	assigned      *prometheus.CounterVec
	requeued      prometheus.Counter
	scaleUps      *prometheus.CounterVec
	ticksSkipped  prometheus.Counter
	buildDuration *prometheus.HistogramVec
	builds        *prometheus.CounterVec
	currentBuilds *prometheus.GaugeVec
	cacheLookups  *prometheus.CounterVec
	cacheStored   *prometheus.CounterVec
	cachePruned   prometheus.Counter
	cacheSize     *prometheus.GaugeVec

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Collectors that are already
// registered, for example by a second manager in the same process, are reused.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		queueDepth: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "queue_depth",
			Help: "Build requests waiting for a node",
		})),
		nodes: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "nodes",
			Help: "Known builder nodes by status",
		}, []string{"status"})),
		capacity: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "capacity",
			Help: "Sum of max concurrency over ready nodes",
		})),
		load: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "load",
			Help: "Sum of current builds over ready nodes",
		})),
		scheduled: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "builds_scheduled_total",
			Help: "Builds accepted into the queue",
		}, []string{"architecture"})),
		assigned: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "builds_assigned_total",
			Help: "Builds handed to a builder node",
		}, []string{"architecture"})),
		requeued: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "builds_requeued_total",
			Help: "Builds requeued after their node became unhealthy",
		})),
		scaleUps: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "scale_ups_total",
			Help: "Builder nodes requested by autoscaling",
		}, []string{"architecture"})),
		ticksSkipped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "ticks_skipped_total",
			Help: "Ticks skipped because the previous tick was still running",
		})),
		buildDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "builder", Name: "build_duration_seconds",
			Help: "Wall time of executor invocations", Buckets: buildBuckets,
		}, []string{"outcome"})),
		builds: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "builder", Name: "builds_total",
			Help: "Executed builds by outcome",
		}, []string{"outcome"})),
		currentBuilds: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "builder", Name: "current_builds",
			Help: "Builds running on each owned node",
		}, []string{"builder"})),
		cacheLookups: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Cache entry retrievals by result",
		}, []string{"result"})),
		cacheStored: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "stores_total",
			Help: "Cache entry stores, split into new content and deduplicated content",
		}, []string{"result"})),
		cachePruned: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "pruned_bytes_total",
			Help: "Bytes removed by pruning and eviction",
		})),
		cacheSize: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "size_gb",
			Help: "Recomputed cache size",
		}, []string{"cache"})),
		requestTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_requests_total",
			Help: "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})),
		requestDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "api", Name: "http_request_duration_seconds",
			Help: "Latency distribution of HTTP handlers", Buckets: histogramBuckets,
		}, []string{"method", "route", "status"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// ObserveQueue records the queue depth.
func (m *Metrics) ObserveQueue(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ObserveNodes records node counts by status along with ready capacity and load.
func (m *Metrics) ObserveNodes(byStatus map[string]int, capacity, load int) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for status, n := range byStatus {
		m.nodes.WithLabelValues(status).Set(float64(n))
	}
	m.capacity.Set(float64(capacity))
	m.load.Set(float64(load))
}

func (m *Metrics) BuildScheduled(arch string) {
	if m == nil {
		return
	}
	m.scheduled.WithLabelValues(arch).Inc()
}

func (m *Metrics) BuildAssigned(arch string) {
	if m == nil {
		return
	}
	m.assigned.WithLabelValues(arch).Inc()
}

func (m *Metrics) BuildsRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.requeued.Add(float64(n))
}

func (m *Metrics) ScaleUp(arch string) {
	if m == nil {
		return
	}
	m.scaleUps.WithLabelValues(arch).Inc()
}

func (m *Metrics) TickSkipped() {
	if m == nil {
		return
	}
	m.ticksSkipped.Inc()
}

// BuildFinished records one executor invocation.
func (m *Metrics) BuildFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) SetCurrentBuilds(builderID string, n int) {
	if m == nil {
		return
	}
	m.currentBuilds.WithLabelValues(builderID).Set(float64(n))
}

// ForgetBuilder drops per-node series of a removed node.
func (m *Metrics) ForgetBuilder(builderID string) {
	if m == nil {
		return
	}
	m.currentBuilds.DeleteLabelValues(builderID)
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheStored(deduplicated bool) {
	if m == nil {
		return
	}
	if deduplicated {
		m.cacheStored.WithLabelValues("dedup").Inc()
		return
	}
	m.cacheStored.WithLabelValues("new").Inc()
}

func (m *Metrics) CachePruned(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.cachePruned.Add(float64(bytes))
}

func (m *Metrics) SetCacheSize(cacheID string, gb float64) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(cacheID).Set(gb)
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestDuration.With(labels).Observe(d.Seconds())
}
