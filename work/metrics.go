package work

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Firing outcomes, as recorded by [Metrics.Firings].
const (
	outcomeResurrected = "resurrected"
	outcomeFailed      = "failed"
	outcomeStale       = "stale"
	outcomeRecheck     = "recheck"
)

// Metrics are the prometheus collectors updated by a [Provider]. A nil
// *Metrics records nothing.
type Metrics struct {
	Armed         *prometheus.CounterVec
	Firings       *prometheus.CounterVec
	LateFirings   prometheus.Counter
	Rearmed       prometheus.Counter
	BackendErrors *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with reg, which may be
// nil to skip registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Armed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "work",
			Name:      "armed_total",
			Help:      "Total number of successful armings, by kind (once or periodic).",
		}, []string{"kind"}),
		Firings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "work",
			Name:      "firings_total",
			Help:      "Total number of firings received, by outcome.",
		}, []string{"outcome"}),
		LateFirings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "work",
			Name:      "late_firings_total",
			Help:      "Total number of firings delivered after their window.",
		}),
		Rearmed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "work",
			Name:      "rearmed_total",
			Help:      "Total number of pending tasks re-armed by the re-check job.",
		}),
		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptloop",
			Subsystem: "work",
			Name:      "backend_errors_total",
			Help:      "Total number of failed backend operations, by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) armed(periodic bool) {
	if m == nil {
		return
	}
	kind := "once"
	if periodic {
		kind = "periodic"
	}
	m.Armed.WithLabelValues(kind).Inc()
}

func (m *Metrics) firing(outcome string, late bool) {
	if m == nil {
		return
	}
	m.Firings.WithLabelValues(outcome).Inc()
	if late {
		m.LateFirings.Inc()
	}
}

func (m *Metrics) rearmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Rearmed.Add(float64(n))
}

func (m *Metrics) backendError(op string) {
	if m == nil {
		return
	}
	m.BackendErrors.WithLabelValues(op).Inc()
}
