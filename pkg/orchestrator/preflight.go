package orchestrator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

// estimate sums the primary candidate's estimate of every step,
// sized by the step's hint or the configured default. Steps without a
// registered provider contribute nothing; they fail at run time.
func (o *Orchestrator) estimate(x *execution) decimal.Decimal {
	total := decimal.Zero
	for _, step := range x.def.Steps() {
		chain, err := o.registry.BuildFallbackChain(step.Capability, step.PreferredProviders, 0)
		if err != nil || len(chain) == 0 {
			continue
		}
		hint := step.SizeHint
		if hint == 0 {
			hint = o.cfg.DefaultSizeHint
		}
		est, err := o.registry.EstimateCost(chain[0].ProviderID, step.Capability, hint)
		if err != nil {
			continue
		}
		total = total.Add(est)
	}
	return total
}

// preflight checks the whole-pipeline estimate against the tenant's
// budget. It returns a terminal failed record when the run is denied and
// nil when it may proceed.
func (o *Orchestrator) preflight(ctx context.Context, x *execution) *models.ExecutionRecord {
	if !o.cfg.Preflight || o.budget == nil {
		return nil
	}
	estimate := o.estimate(x)
	res, err := o.budget.CheckBudget(ctx, x.tenantID, estimate)
	if res.Allowed {
		return nil
	}
	if err == nil {
		err = res.Err()
	}

	o.logger.WarnContext(ctx, "orchestrator: budget preflight denied",
		"execution_id", x.id,
		"pipeline", x.def.Ref(),
		"tenant", x.tenantID,
		"estimate", estimate.String(),
		"error", err,
	)

	rec, rerr := models.NewExecutionRecordWithID(x.id, x.def.Name(), x.def.Version(), x.tenantID)
	if rerr != nil {
		rec = &models.ExecutionRecord{
			SchemaVersion:   models.ExecutionSchemaVersion,
			ID:              x.id,
			PipelineName:    x.def.Name(),
			PipelineVersion: x.def.Version(),
			TenantID:        x.tenantID,
			Status:          models.ExecutionStatusPending,
			TotalCost:       decimal.Zero,
			StartedAt:       time.Now().UTC(),
		}
	}
	_ = rec.Transition(models.ExecutionStatusRunning, time.Now())
	o.emit(ctx, events.Event{
		Type:        events.TypeExecutionStarted,
		ExecutionID: x.id,
		Status:      string(models.ExecutionStatusRunning),
		Total:       x.def.Len(),
		Message:     x.def.Ref(),
		Data:        map[string]any{"tenant_id": x.tenantID},
	})

	rec.FailureReason = models.FailureBudgetPreflightDenied
	rec.ErrorMessage = err.Error()
	_ = rec.Transition(models.ExecutionStatusFailed, time.Now())
	o.emit(ctx, events.Event{
		Type:        events.TypeExecutionFailed,
		ExecutionID: x.id,
		Status:      string(models.ExecutionStatusFailed),
		Cost:        estimate,
		Error:       rec.ErrorMessage,
		Message:     string(models.FailureBudgetPreflightDenied),
		Data:        map[string]any{"estimate": estimate.String()},
	})
	return rec
}

func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.EventTimeout)
	defer cancel()
	if _, err := o.events.Append(ectx, e); err != nil {
		o.logger.WarnContext(ctx, "orchestrator: event append failed",
			"execution_id", e.ExecutionID,
			"type", e.Type.String(),
			"error", err,
		)
	}
}
