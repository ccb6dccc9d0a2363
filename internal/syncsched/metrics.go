package syncsched

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Number of sync cycles run, labeled by trigger.",
	}, []string{"trigger"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent draining, delivering, and committing per cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	appliedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "actions_applied_total",
		Help:      "Number of actions the backend confirmed, labeled by kind.",
	}, []string{"kind"})

	lastCycleTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Subsystem: "sync",
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time of the most recent completed sync cycle.",
	})
)

func init() {
	prometheus.MustRegister(cycleCounter, cycleDuration, appliedCounter, lastCycleTimestamp)
}
