// Package metrics defines the Prometheus instruments for the sync engine in
// a standalone package to avoid import cycles between the engine and the
// HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_queue_full_total",
		Help: "Admissions rejected because the mutation queue was at capacity",
	})

	SchemaRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_schema_rejected_total",
		Help: "Admissions rejected by the schema gate",
	})

	SchemaDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_schema_drift_total",
		Help: "Queued mutations quarantined for schema drift at replay time",
	})

	DeadLetterTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_dead_letter_total",
		Help: "Mutations moved to the dead-letter store after exhausting retries",
	})

	AuthRequiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_auth_required_total",
		Help: "Drain attempts halted for missing or expired authentication",
	})

	DrainPassesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tillsync_drain_passes_total",
		Help: "Completed drain passes over the mutation queue",
	})

	ReplayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tillsync_replay_latency_ms",
		Help:    "Latency of a single remote apply during a drain, in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tillsync_queue_depth",
		Help: "Current number of pending mutations in the queue",
	})
)

// Register registers the sync metrics on the given registry (or the default
// if nil). Double registration is tolerated.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		QueueFullTotal,
		SchemaRejectedTotal,
		SchemaDriftTotal,
		DeadLetterTotal,
		AuthRequiredTotal,
		DrainPassesTotal,
		ReplayLatency,
		QueueDepth,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
