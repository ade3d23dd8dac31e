// Package metrics defines package-level Prometheus collectors for the
// pipeline manager plus thin Record* wrapper functions.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// QueueDepth tracks the number of items currently in a ChangeQueue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of items currently enqueued, by pipeline and queue.",
	}, []string{"pipeline", "queue"})

	// TickDuration tracks how long a single processQueue tick takes.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatekeeper",
		Subsystem: "pipeline",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single pipeline processQueue tick.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pipeline"})

	// SemaphoreHolders tracks the current holder count of a named semaphore.
	SemaphoreHolders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "semaphore",
		Name:      "holders",
		Help:      "Current number of holders of a named semaphore.",
	}, []string{"semaphore"})

	// ReportResults counts terminal report results by pipeline and result kind.
	ReportResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Subsystem: "pipeline",
		Name:      "report_results_total",
		Help:      "Count of terminal report results, by pipeline and result.",
	}, []string{"pipeline", "result"})

	// ConsecutiveFailures tracks a pipeline's current consecutive-failure count.
	ConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gatekeeper",
		Subsystem: "pipeline",
		Name:      "consecutive_failures",
		Help:      "Current consecutive-failure count for a pipeline.",
	}, []string{"pipeline"})
)

var tracer = otel.Tracer("github.com/ridgeback/gatekeeper/pkg/pipeline")

var meter = otel.Meter("github.com/ridgeback/gatekeeper/pkg/pipeline")

// reportCounter mirrors ReportResults onto the OTel pipeline for
// deployments exporting through an OTel collector instead of a
// Prometheus scrape.
var reportCounter, _ = meter.Int64Counter("gatekeeper.pipeline.report_results",
	metric.WithDescription("Count of terminal report results."))

// RecordQueueDepth sets the queue depth gauge for pipeline/queue.
func RecordQueueDepth(pipeline, queue string, depth int) {
	QueueDepth.WithLabelValues(pipeline, queue).Set(float64(depth))
}

// RecordTickDuration observes a tick duration in seconds.
func RecordTickDuration(pipeline string, seconds float64) {
	TickDuration.WithLabelValues(pipeline).Observe(seconds)
}

// RecordSemaphoreHolders sets the holder-count gauge for a semaphore.
func RecordSemaphoreHolders(semaphore string, holders int) {
	SemaphoreHolders.WithLabelValues(semaphore).Set(float64(holders))
}

// RecordReportResult increments the report-result counter.
func RecordReportResult(pipeline, result string) {
	ReportResults.WithLabelValues(pipeline, result).Inc()
	reportCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("result", result),
	))
}

// RecordConsecutiveFailures sets the consecutive-failures gauge.
func RecordConsecutiveFailures(pipeline string, n int) {
	ConsecutiveFailures.WithLabelValues(pipeline).Set(float64(n))
}

// StartSpan starts an OpenTelemetry span for a core manager operation,
// e.g. "processQueue" or "_processOneItem".
func StartSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, operation)
}
