package thread

import (
	"time"

	"github.com/joeycumines/go-scriptloop/timerqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the prometheus collectors updated by a [Runtime]. A nil
// *Metrics is valid, and records nothing.
type Metrics struct {
	ThreadsLive      prometheus.Gauge
	ThreadsStarted   prometheus.Counter
	Callbacks        *prometheus.CounterVec
	CallbackFailures *prometheus.CounterVec
	CallbackDuration *prometheus.HistogramVec
	Overruns         prometheus.Counter
}

// NewMetrics creates and registers the collectors with reg, which may be
// nil to skip registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ThreadsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "live",
			Help:      "Number of threads that have started and not yet terminated.",
		}),
		ThreadsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "started_total",
			Help:      "Total number of threads that reached the running state.",
		}),
		Callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "callbacks_total",
			Help:      "Total number of dispatched callbacks, by kind.",
		}, []string{"kind"}),
		CallbackFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "callback_failures_total",
			Help:      "Total number of callbacks that returned an error or panicked, by kind.",
		}, []string{"kind"}),
		CallbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "callback_duration_seconds",
			Help:      "Callback execution time, by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"kind"}),
		Overruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "thread",
			Name:      "watchdog_overruns_total",
			Help:      "Total number of callbacks observed running past their budget.",
		}),
	}
}

func (m *Metrics) threadStarted() {
	if m == nil {
		return
	}
	m.ThreadsStarted.Inc()
	m.ThreadsLive.Inc()
}

func (m *Metrics) threadExited() {
	if m == nil {
		return
	}
	m.ThreadsLive.Dec()
}

func (m *Metrics) callback(kind timerqueue.Kind, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := kind.String()
	m.Callbacks.WithLabelValues(label).Inc()
	m.CallbackDuration.WithLabelValues(label).Observe(d.Seconds())
	if err != nil {
		m.CallbackFailures.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) overrun() {
	if m == nil {
		return
	}
	m.Overruns.Inc()
}
