package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	entryPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Subsystem: "persistence",
		Name:      "last_entry_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent field entry persisted to Postgres.",
	})
	checkpointLogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fieldsync",
		Subsystem: "persistence",
		Name:      "last_checkpoint_logged_timestamp_seconds",
		Help:      "Unix timestamp of the most recent checkpoint confirmation logged.",
	})
)

func init() {
	prometheus.MustRegister(entryPersistGauge, checkpointLogGauge)
}

// RecordEntryPersisted updates the persistence watermark gauge.
func RecordEntryPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	entryPersistGauge.Set(float64(ts.Unix()))
}

// RecordCheckpointLogged updates the checkpoint watermark gauge.
func RecordCheckpointLogged(ts time.Time) {
	if ts.IsZero() {
		return
	}
	checkpointLogGauge.Set(float64(ts.Unix()))
}
