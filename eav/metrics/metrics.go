// Package metrics holds the prometheus collectors shared by the store, the
// observer registry and the sync engine. A nil *Metrics is valid and records
// nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "janus_eav"

// Metrics groups every collector the engine exports
type Metrics struct {
	Commits            prometheus.Counter
	CommitFailures     *prometheus.CounterVec
	CommitDuration     prometheus.Histogram
	Deliveries         prometheus.Counter
	DeliveryFailures   *prometheus.CounterVec
	SyncCycles         *prometheus.CounterVec
	SyncApplied        prometheus.Counter
	SyncPushed         prometheus.Counter
	SyncConflicts      prometheus.Counter
	ObserverQueueDepth prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Transactions committed.",
		}),
		CommitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_failures_total",
			Help:      "Failed commits by error kind.",
		}, []string{"kind"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commit_duration_seconds",
			Help:      "Time spent in the commit path.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "deliveries_total",
			Help:      "Change reports delivered to subscribers.",
		}),
		DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "delivery_failures_total",
			Help:      "Subscriber callbacks that panicked or stalled.",
		}, []string{"reason"}),
		SyncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		SyncApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "applied_transactions_total",
			Help:      "Remote transactions replayed locally.",
		}),
		SyncPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushed_transactions_total",
			Help:      "Local transactions sent to remotes.",
		}),
		SyncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Remote facts dropped by the merge policy.",
		}),
		ObserverQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "queue_depth",
			Help:      "Reports waiting for delivery across all subscriptions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Commits, m.CommitFailures, m.CommitDuration,
			m.Deliveries, m.DeliveryFailures, m.ObserverQueueDepth,
			m.SyncCycles, m.SyncApplied, m.SyncPushed, m.SyncConflicts,
		)
	}
	return m
}

func (m *Metrics) CommitSucceeded(seconds float64) {
	if m == nil {
		return
	}
	m.Commits.Inc()
	m.CommitDuration.Observe(seconds)
}

func (m *Metrics) CommitFailed(kind string) {
	if m == nil {
		return
	}
	m.CommitFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.Deliveries.Inc()
}

func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDepth(delta float64) {
	if m == nil {
		return
	}
	m.ObserverQueueDepth.Add(delta)
}

func (m *Metrics) SyncFinished(outcome string, applied, pushed, conflicts int) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(outcome).Inc()
	m.SyncApplied.Add(float64(applied))
	m.SyncPushed.Add(float64(pushed))
	m.SyncConflicts.Add(float64(conflicts))
}
