package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	enqueuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "outbox",
		Name:      "actions_enqueued_total",
		Help:      "Number of actions durably accepted into the queue, labeled by kind.",
	}, []string{"kind"})

	committedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "outbox",
		Name:      "actions_committed_total",
		Help:      "Number of actions removed after backend confirmation, labeled by kind.",
	}, []string{"kind"})

	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "outbox",
		Name:      "actions_failed_total",
		Help:      "Number of failed delivery attempts, labeled by resulting status.",
	}, []string{"status"})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Subsystem: "outbox",
		Name:      "queue_depth",
		Help:      "Actions currently awaiting backend confirmation.",
	})

	compactionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldsync",
		Subsystem: "outbox",
		Name:      "journal_compactions_total",
		Help:      "Number of journal compaction rewrites.",
	})
)

func init() {
	prometheus.MustRegister(enqueuedCounter, committedCounter, failedCounter, queueDepth, compactionCounter)
}
