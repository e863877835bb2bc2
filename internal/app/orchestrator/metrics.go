package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	rounds              prometheus.Counter
	roundDuration       prometheus.Histogram
	outcomes            *prometheus.CounterVec
	failureCategories   *prometheus.CounterVec
	selfHeals           *prometheus.CounterVec
	workers             prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	pendingWrites       prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global Prometheus
// registry, created once so repeated orchestrators in one process share it.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics on reg. Collectors already registered
// under the same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	const namespace, subsystem = "autopilot", "orchestrator"

	return &Metrics{
		rounds: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rounds_total",
			Help: "Number of worker rounds dispatched.",
		})),
		roundDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "round_duration_seconds",
			Help:    "Wall time from round fan-out until every slot reported.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1800},
		})),
		outcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "slot_outcomes_total",
			Help: "Slot outcomes by kind.",
		}, []string{"kind"})),
		failureCategories: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "failures_total",
			Help: "Classified task failures by category.",
		}, []string{"category"})),
		selfHeals: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "self_heals_total",
			Help: "Self-healing adjustments applied, by dominant failure category.",
		}, []string{"category"})),
		workers: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "workers",
			Help: "Current worker pool size.",
		})),
		consecutiveFailures: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "consecutive_failures",
			Help: "Failures since the last successful task.",
		})),
		pendingWrites: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "pending_store_writes",
			Help: "Store mutations buffered in the offline queue.",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// ObserveRound records one completed round.
func (m *Metrics) ObserveRound(duration time.Duration) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(duration.Seconds())
}

// IncOutcome counts one slot outcome.
func (m *Metrics) IncOutcome(kind OutcomeKind) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(kind)).Inc()
}

// IncFailure counts one classified failure.
func (m *Metrics) IncFailure(category string) {
	if m == nil || category == "" {
		return
	}
	m.failureCategories.WithLabelValues(category).Inc()
}

// IncSelfHeal counts an applied adjustment.
func (m *Metrics) IncSelfHeal(category string) {
	if m == nil {
		return
	}
	m.selfHeals.WithLabelValues(category).Inc()
}

// SetWorkers reports the pool size.
func (m *Metrics) SetWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}

// SetConsecutiveFailures reports the breaker counter.
func (m *Metrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.Set(float64(n))
}

// SetPendingWrites reports the offline queue depth.
func (m *Metrics) SetPendingWrites(n int) {
	if m == nil {
		return
	}
	m.pendingWrites.Set(float64(n))
}
