package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job scheduler metrics
	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sf1r_jobqueue_depth",
			Help: "Number of queued but not yet started tasks, by collection",
		},
		[]string{"collection"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_jobqueue_tasks_total",
			Help: "Total tasks drained from the job queue, by outcome",
		},
		[]string{"collection", "outcome"},
	)

	// Index worker metrics
	DocumentsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_documents_total",
			Help: "Total documents processed by the index worker, by operation",
		},
		[]string{"collection", "op"},
	)

	DocumentsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_documents_failed_total",
			Help: "Total per-document failures during a build pass, by reason",
		},
		[]string{"collection", "reason"},
	)

	BundleBytesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_bundle_bytes_processed_total",
			Help: "Total bundle file bytes processed since process start",
		},
		[]string{"collection"},
	)

	BackupTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_backup_triggered_total",
			Help: "Total directory-pair backups triggered by the index worker",
		},
		[]string{"collection"},
	)

	BuildPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sf1r_build_pass_duration_seconds",
			Help:    "Duration of a complete index-worker build pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection", "mode"},
	)

	// Recommend task service metrics
	RecommendEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_recommend_events_total",
			Help: "Total recommend events ingested, by kind",
		},
		[]string{"collection", "kind"},
	)

	RecommendCronSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_recommend_cron_skipped_total",
			Help: "Total cron ticks skipped because a build was already in progress",
		},
		[]string{"collection"},
	)

	RecommendBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sf1r_recommend_build_duration_seconds",
			Help:    "Duration of a recommend buildCollection pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	SimilarityMatrixRebuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_similarity_matrix_rebuilds_total",
			Help: "Total purchase similarity-matrix rebuilds",
		},
		[]string{"collection"},
	)

	// Log-server forwarder metrics
	LogForwardFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sf1r_logforward_failed_total",
			Help: "Total fire-and-forget mirror sends that failed",
		},
		[]string{"collection"},
	)
)

func init() {
	prometheus.MustRegister(
		JobQueueDepth,
		JobsTotal,
		DocumentsIndexedTotal,
		DocumentsFailedTotal,
		BundleBytesProcessed,
		BackupTriggeredTotal,
		BuildPassDuration,
		RecommendEventsTotal,
		RecommendCronSkippedTotal,
		RecommendBuildDuration,
		SimilarityMatrixRebuildsTotal,
		LogForwardFailedTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec
// with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
