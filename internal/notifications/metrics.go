package notifications

import (
	"time"

	"github.com/conclav/conclav-notify/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "conclav"

var (
	notificationQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_size",
			Help:      "Number of notifications in queue by state",
		},
		[]string{"state"},
	)

	dispatchUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "units_total",
			Help:      "Total dispatch units (emails) attempted",
		},
		[]string{"type", "status"},
	)

	dispatchSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to render and send one email",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	notificationsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_fetched_total",
			Help:      "Total notifications claimed from queue",
		},
	)

	notificationsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "skipped_total",
			Help:      "Total notifications skipped because the recipient has no email",
		},
	)

	notificationsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "swept_total",
			Help:      "Total sent notifications deleted by the retention sweep",
		},
	)

	dispatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "runs_total",
			Help:      "Total dispatch invocations by outcome",
		},
		[]string{"outcome"},
	)
)

func recordUnit(t domain.NotificationType, status string) {
	dispatchUnits.WithLabelValues(string(t), status).Inc()
}

func recordSendDuration(t domain.NotificationType, duration time.Duration) {
	dispatchSendDuration.WithLabelValues(string(t)).Observe(duration.Seconds())
}

func recordQueueFetched(count int) {
	notificationsFetched.Add(float64(count))
}

func recordSkipped(count int) {
	notificationsSkipped.Add(float64(count))
}

func recordSwept(count int64) {
	notificationsSwept.Add(float64(count))
}

func recordRun(outcome string) {
	dispatchRuns.WithLabelValues(outcome).Inc()
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats *QueueStats) {
	notificationQueueSize.WithLabelValues(string(EntryStatePending)).Set(float64(stats.Pending))
	notificationQueueSize.WithLabelValues(string(EntryStateRetrying)).Set(float64(stats.Retrying))
	notificationQueueSize.WithLabelValues(string(EntryStateSent)).Set(float64(stats.Sent))
	notificationQueueSize.WithLabelValues(string(EntryStateFailed)).Set(float64(stats.Failed))
}
