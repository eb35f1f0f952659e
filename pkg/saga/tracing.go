package saga

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

func runAttributes(rec *models.ExecutionRecord) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("execution.id", rec.ID),
		attribute.String("pipeline.name", rec.PipelineName),
		attribute.String("pipeline.version", rec.PipelineVersion),
		attribute.String("tenant.id", rec.TenantID),
	}
}

func finishRunSpan(span trace.Span, rec *models.ExecutionRecord) {
	span.SetAttributes(
		attribute.String("execution.status", rec.Status.String()),
		attribute.String("execution.total_cost", rec.TotalCost.String()),
		attribute.Int("execution.steps", len(rec.Steps)),
	)
	switch rec.Status {
	case models.ExecutionStatusFailed, models.ExecutionStatusCancelled:
		span.SetStatus(codes.Error, string(rec.FailureReason))
	default:
		span.SetStatus(codes.Ok, "")
	}
}
