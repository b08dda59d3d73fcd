package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "courier"

// Metrics is nil-safe: a nil *Metrics records nothing.
type Metrics struct {
	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	messages         *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	cleanupDeleted   prometheus.Counter
	running          prometheus.Gauge
}

// NewMetrics registers the delivery collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_ticks_total",
			Help:      "Delivery ticks by result (ok, skipped, error).",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_tick_duration_seconds",
			Help:      "Wall time of delivery ticks that ran.",
			Buckets:   prometheus.DefBuckets,
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_messages_total",
			Help:      "Dispatch outcomes by channel kind (sent, retry, failed).",
		}, []string{"kind", "outcome"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_dispatch_duration_seconds",
			Help:      "Duration of dispatcher calls.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		cleanupDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_cleanup_deleted_total",
			Help:      "Terminal records removed by the cleanup sweep.",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_tick_running",
			Help:      "1 while a delivery tick is executing.",
		}),
	}
}

func (m *Metrics) tick(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	if result != resultSkipped {
		m.tickDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) message(kind, outcome string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.messages.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) dispatch(kind string, took time.Duration) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.dispatchDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// ObserveCleanup counts records removed by one cleanup sweep.
func (m *Metrics) ObserveCleanup(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeleted.Add(float64(n))
}

func (m *Metrics) setRunning(on bool) {
	if m == nil {
		return
	}
	if on {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
