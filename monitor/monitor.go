// monitor/monitor.go
package monitor

import (
	"expvar"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	ActiveRooms       prometheus.Gauge
	RelaySessions     prometheus.Gauge
	EventsPublished   *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	StoreRetries      *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
}

// NewMetrics registers the collectors on reg, so several instances can live in one process.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms open in this process",
		}),
		RelaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions",
			Help:      "Number of connected relay sessions",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Broadcast events published",
		}, []string{"event"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Broadcast events received",
		}, []string{"event"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Store writes retried under the concurrency guard",
		}, []string{"operation"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Session reconciliations by source of truth",
		}, []string{"source"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reading the store of record during reconciliation",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}

	reg.MustRegister(
		m.ActiveRooms,
		m.RelaySessions,
		m.EventsPublished,
		m.EventsReceived,
		m.StoreRetries,
		m.Reconciliations,
		m.ReconcileDuration,
	)

	return m
}

// Monitor methods are safe on a nil receiver, which disables metrics.
type Monitor struct {
	metrics   *Metrics
	registry  *prometheus.Registry
	startTime time.Time
	events    int64
	mutex     sync.Mutex
}

func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return &Monitor{
		metrics:   NewMetrics(namespace, reg),
		registry:  reg,
		startTime: time.Now(),
	}
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the monitor's registry in the prometheus exposition format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var publishOnce sync.Once

// PublishExpvar exposes uptime and the event count on /debug/vars.
func (m *Monitor) PublishExpvar() {
	publishOnce.Do(func() {
		// 添加expvar指标
		expvar.Publish("uptime", expvar.Func(func() interface{} {
			return time.Since(m.startTime).Seconds()
		}))
		expvar.Publish("events", expvar.Func(func() interface{} {
			m.mutex.Lock()
			defer m.mutex.Unlock()
			return m.events
		}))
	})
}

func (m *Monitor) SetActiveRooms(count int) {
	if m == nil {
		return
	}
	m.metrics.ActiveRooms.Set(float64(count))
}

func (m *Monitor) SetRelaySessions(count int) {
	if m == nil {
		return
	}
	m.metrics.RelaySessions.Set(float64(count))
}

func (m *Monitor) IncEventsPublished(event string) {
	if m == nil {
		return
	}
	m.metrics.EventsPublished.WithLabelValues(event).Inc()
}

func (m *Monitor) IncEventsReceived(event string) {
	if m == nil {
		return
	}
	m.metrics.EventsReceived.WithLabelValues(event).Inc()
	m.mutex.Lock()
	m.events++
	m.mutex.Unlock()
}

// IncStoreRetries labels the retry with the guard key's operation prefix.
func (m *Monitor) IncStoreRetries(key string) {
	if m == nil {
		return
	}
	op := key
	if i := strings.IndexByte(key, ':'); i > 0 {
		op = key[:i]
	}
	m.metrics.StoreRetries.WithLabelValues(op).Inc()
}

func (m *Monitor) ObserveReconcile(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.metrics.Reconciliations.WithLabelValues(source).Inc()
	m.metrics.ReconcileDuration.Observe(duration.Seconds())
}
