package farmsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all the Prometheus metrics of the System. It implements
// state.Observer so every synchronizer reports through it.
type Metrics struct {
	// --- Health ---
	ErrorsTotal           *prometheus.CounterVec
	StaleResultsDiscarded *prometheus.CounterVec

	// --- Performance ---
	RefreshesTotal  *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec

	// --- Activity ---
	ActionsTotal   *prometheus.CounterVec
	PresaleEvents  prometheus.Counter
	TWAPMultiplier prometheus.Gauge
}

// NewMetrics creates and registers all the Prometheus metrics for the system.
func NewMetrics(reg prometheus.Registerer, systemName string) *Metrics {
	return &Metrics{
		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "farmsync_errors_total",
			Help:      "Total number of errors encountered by the system, labeled by error type.",
		}, []string{"type"}),

		StaleResultsDiscarded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "farmsync_stale_results_discarded_total",
			Help:      "Results that arrived after their request was superseded and were dropped.",
		}, []string{"component"}),

		RefreshesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "farmsync_refreshes_total",
			Help:      "Completed chain reads per synchronizer, labeled by outcome.",
		}, []string{"component", "outcome"}),

		RefreshDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: systemName,
			Name:      "farmsync_refresh_duration_seconds",
			Help:      "A histogram of the time a synchronizer spends reading chain state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component"}),

		ActionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "farmsync_actions_total",
			Help:      "Submitted user actions, labeled by component, action and outcome.",
		}, []string{"component", "action", "outcome"}),

		PresaleEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Subsystem: systemName,
			Name:      "farmsync_presale_events_total",
			Help:      "InvestmentSucceeded events received from the presale contract.",
		}),

		TWAPMultiplier: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Subsystem: systemName,
			Name:      "farmsync_twap_multiplier",
			Help:      "The latest TWAP multiplier relative to the listing price.",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) Refreshed(component string, took time.Duration, err error) {
	m.RefreshesTotal.WithLabelValues(component, outcome(err)).Inc()
	m.RefreshDuration.WithLabelValues(component).Observe(took.Seconds())
	if err != nil {
		m.ErrorsTotal.WithLabelValues("sync").Inc()
	}
}

func (m *Metrics) Discarded(component string) {
	m.StaleResultsDiscarded.WithLabelValues(component).Inc()
}

func (m *Metrics) ActionDone(component, action string, err error) {
	m.ActionsTotal.WithLabelValues(component, action, outcome(err)).Inc()
	if err != nil {
		m.ErrorsTotal.WithLabelValues("action").Inc()
	}
}
