package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

// Metric names recorded for every terminal execution.
const (
	MetricExecutionDuration = "pipeline_execution_duration_seconds"
	MetricExecutionCost     = "pipeline_execution_cost"
	MetricExecutionsTotal   = "pipeline_executions_total"
)

// MetricsRecorder receives execution metrics. Implementations must be
// safe for concurrent use; telemetry.MetricRecorder is one.
type MetricsRecorder interface {
	RecordMetric(ctx context.Context, name string, value float64, labels map[string]string)
}

// recordMetrics reports rec. Panics in the recorder are logged.
func (o *Orchestrator) recordMetrics(ctx context.Context, rec *models.ExecutionRecord) {
	if o.metrics == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.logger.ErrorContext(ctx, "orchestrator: metrics recorder panicked",
				"execution_id", rec.ID,
				"panic", fmt.Sprint(p),
			)
		}
	}()
	labels := map[string]string{
		"pipeline": rec.PipelineName,
		"tenant":   rec.TenantID,
		"status":   rec.Status.String(),
	}
	cost, _ := rec.TotalCost.Float64()
	o.metrics.RecordMetric(ctx, MetricExecutionDuration, rec.Duration().Seconds(), labels)
	o.metrics.RecordMetric(ctx, MetricExecutionCost, cost, labels)
	o.metrics.RecordMetric(ctx, MetricExecutionsTotal, 1, labels)
}

func sinkName(s RecordSink) string {
	return fmt.Sprintf("%T", s)
}

func executeAttributes(x *execution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("execution.id", x.id),
		attribute.String("pipeline.name", x.def.Name()),
		attribute.String("pipeline.version", x.def.Version()),
		attribute.String("tenant.id", x.tenantID),
	}
}

func finishExecuteSpan(span trace.Span, rec *models.ExecutionRecord) {
	span.SetAttributes(
		attribute.String("execution.status", rec.Status.String()),
		attribute.String("execution.total_cost", rec.TotalCost.String()),
	)
	if rec.FailureReason != models.FailureNone {
		span.SetAttributes(attribute.String("execution.failure_reason", string(rec.FailureReason)))
	}
	switch rec.Status {
	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		span.SetStatus(codes.Error, string(rec.FailureReason))
	default:
		span.SetStatus(codes.Ok, "")
	}
}
