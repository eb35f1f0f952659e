package saga

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// stepRun accumulates the outcome of one step while its chain is walked.
type stepRun struct {
	x       *execution
	step    pipeline.Step
	outcome models.StepOutcome
	input   any
	result  capability.Result
	lastErr error
}

// runStep runs one step and records its outcome. It returns the outcome.
func (x *execution) runStep(ctx context.Context, step pipeline.Step) models.StepOutcome {
	ctx, span := x.c.tracer.Start(ctx, "saga.Step", trace.WithAttributes(
		attribute.String("execution.id", x.rec.ID),
		attribute.String("step.name", step.Name),
		attribute.String("step.capability", step.Capability.String()),
	))
	defer span.End()

	start := x.c.now()
	sr := &stepRun{
		x:    x,
		step: step,
		outcome: models.StepOutcome{
			Step:       step.Name,
			Capability: step.Capability,
			Cost:       decimal.Zero,
		},
	}

	switch {
	case !step.ShouldRun(x.bindings):
		sr.outcome.Status = models.StepStatusSkipped
		x.emit(ctx, events.Event{Type: events.TypeStepSkipped, Step: step.Name, Capability: step.Capability,
			Status: string(models.StepStatusSkipped)})
	default:
		sr.execute(ctx)
	}

	sr.outcome.Latency = x.c.now().Sub(start)
	span.SetAttributes(attribute.String("step.status", string(sr.outcome.Status)))
	if sr.outcome.Status.Failed() {
		span.SetStatus(codes.Error, sr.outcome.Error)
	}
	x.record(ctx, sr.outcome, step, sr.result.Output)
	return sr.outcome
}

func (sr *stepRun) execute(ctx context.Context) {
	x, step := sr.x, sr.step

	input, missing := x.bindings.Resolve(step.Inputs)
	if len(missing) > 0 {
		sr.fail(ctx, models.FailureMissingInput,
			fmt.Errorf("input binding not present: %s", strings.Join(missing, ", ")))
		return
	}
	sr.input = input

	x.emit(ctx, events.Event{Type: events.TypeStepStarted, Step: step.Name, Capability: step.Capability})

	chain, err := x.c.resolver.BuildFallbackChain(step.Capability, step.PreferredProviders, step.MaxFallbacks)
	if err != nil {
		reason := models.FailureNoProviderAvailable
		if !sserr.IsNoProviderAvailable(err) {
			reason = models.FailureProvidersExhausted
		}
		sr.fail(ctx, reason, err)
		return
	}

	for i, reg := range chain {
		if ctx.Err() != nil {
			break
		}
		next := ""
		if i+1 < len(chain) {
			next = chain[i+1].ProviderID
		}
		if !sr.admit(ctx, reg) {
			sr.providerFailed(ctx, reg, next, true)
			continue
		}
		if sr.tryProvider(ctx, reg) {
			sr.succeed(ctx, reg)
			return
		}
		sr.providerFailed(ctx, reg, next, false)
	}

	sr.settleSpend(ctx)
	reason := models.FailureProvidersExhausted
	if len(sr.outcome.DeniedProviders) == len(chain) {
		reason = models.FailureBudgetExceeded
	}
	if sr.lastErr == nil && ctx.Err() != nil {
		sr.lastErr = ctx.Err()
	}
	sr.fail(ctx, reason, sr.lastErr)
}

// admit runs the budget pre-check for reg. A denied candidate counts as an
// immediate provider failure and is not invoked.
func (sr *stepRun) admit(ctx context.Context, reg capability.Registration) bool {
	x := sr.x
	if x.c.budget == nil {
		return true
	}
	estimate := reg.Adapter.EstimateCost(sr.input)
	res, err := x.c.budget.CheckBudget(ctx, x.rec.TenantID, estimate)
	if err != nil {
		x.c.logger.WarnContext(ctx, "saga: budget check failed",
			"execution_id", x.rec.ID,
			"step", sr.step.Name,
			"provider", reg.ProviderID,
			"allowed", res.Allowed,
			"error", err,
		)
	}
	if !res.Allowed {
		sr.outcome.DeniedProviders = append(sr.outcome.DeniedProviders, reg.ProviderID)
		if err == nil {
			err = res.Err()
		}
		sr.lastErr = err
		return false
	}
	if res.Warning {
		x.emit(ctx, events.Event{
			Type:       events.TypeBudgetWarning,
			Step:       sr.step.Name,
			ProviderID: reg.ProviderID,
			Cost:       res.Projected(),
			Message:    fmt.Sprintf("projected spend %s exceeds limit %s", res.Projected(), res.Limit),
			Data:       map[string]any{"limit": res.Limit.String(), "policy": res.Policy.String()},
		})
	}
	return true
}

// tryProvider makes up to MaxAttempts attempts on reg. It reports whether
// one succeeded.
func (sr *stepRun) tryProvider(ctx context.Context, reg capability.Registration) bool {
	x, policy := sr.x, sr.step.Retry
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for n := 1; n <= attempts; n++ {
		attempt, result, err := x.invoke(ctx, sr.step, reg, sr.input, n)
		sr.outcome.Attempts = append(sr.outcome.Attempts, attempt)
		if err == nil {
			sr.result = result
			return true
		}
		sr.lastErr = err
		if attempt.Status == models.AttemptStatusFailedTerminal || n == attempts || ctx.Err() != nil {
			return false
		}

		delay := policy.Backoff(n)
		x.emit(ctx, events.Event{
			Type:       events.TypeStepRetrying,
			Step:       sr.step.Name,
			Capability: sr.step.Capability,
			ProviderID: reg.ProviderID,
			Attempt:    n + 1,
			Error:      err.Error(),
			Data:       map[string]any{"backoff": delay.String()},
		})
		if x.c.sleep(ctx, delay) != nil {
			return false
		}
	}
	return false
}

// providerFailed reports that reg was given up and the chain moves on to
// next ("" when reg was the last candidate).
func (sr *stepRun) providerFailed(ctx context.Context, reg capability.Registration, next string, denied bool) {
	x := sr.x
	reason := "retries_exhausted"
	if denied {
		reason = string(models.FailureBudgetExceeded)
	}
	e := events.Event{
		Type:       events.TypeProviderFailed,
		Step:       sr.step.Name,
		Capability: sr.step.Capability,
		ProviderID: reg.ProviderID,
		Attempt:    sr.outcome.AttemptsFor(reg.ProviderID),
		Message:    reason,
		Data:       map[string]any{"next_provider": next},
	}
	if sr.lastErr != nil {
		e.Error = sr.lastErr.Error()
		e.Data["code"] = sserr.GetCode(sr.lastErr).String()
	}
	x.emit(ctx, e)
	x.c.logger.WarnContext(ctx, "saga: provider failed",
		"execution_id", x.rec.ID,
		"step", sr.step.Name,
		"provider", reg.ProviderID,
		"next_provider", next,
		"reason", reason,
		"error", sr.lastErr,
	)
}

func (sr *stepRun) succeed(ctx context.Context, reg capability.Registration) {
	x, step := sr.x, sr.step
	sr.outcome.Status = models.StepStatusSucceeded
	sr.outcome.ProviderID = reg.ProviderID
	sr.outcome.CompletionSeq = x.seq.Add(1)
	x.bindings.Set(step.Output, sr.result.Output)
	sr.settleSpend(ctx)

	x.emit(ctx, events.Event{
		Type:       events.TypeStepCompleted,
		Step:       step.Name,
		Capability: step.Capability,
		ProviderID: reg.ProviderID,
		Attempt:    sr.outcome.AttemptsFor(reg.ProviderID),
		Cost:       sr.outcome.Cost,
		Status:     string(models.StepStatusSucceeded),
	})
	x.c.logger.InfoContext(ctx, "saga: step completed",
		"execution_id", x.rec.ID,
		"step", step.Name,
		"provider", reg.ProviderID,
		"attempts", sr.outcome.AttemptCount(),
		"cost", sr.outcome.Cost.String(),
	)
}

// settleSpend totals the attempt costs and records them once as tenant
// spend.
func (sr *stepRun) settleSpend(ctx context.Context) {
	x := sr.x
	total := decimal.Zero
	for _, a := range sr.outcome.Attempts {
		total = total.Add(a.Cost)
	}
	sr.outcome.Cost = total
	if !total.IsPositive() {
		return
	}
	if x.c.budget != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.c.eventTimeout)
		defer cancel()
		if _, err := x.c.budget.RecordSpend(rctx, x.rec.TenantID, total); err != nil {
			x.c.logger.ErrorContext(ctx, "saga: record spend failed",
				"execution_id", x.rec.ID,
				"step", sr.step.Name,
				"amount", total.String(),
				"error", err,
			)
		}
	}
	x.emit(ctx, events.Event{
		Type:       events.TypeCostIncurred,
		Step:       sr.step.Name,
		ProviderID: sr.outcome.ProviderID,
		Cost:       total,
	})
}

func (sr *stepRun) fail(ctx context.Context, reason models.FailureReason, err error) {
	x, step := sr.x, sr.step
	status := models.StepStatusFailed
	if step.Optional {
		status = models.StepStatusFailedOptionalIgnored
	}
	sr.outcome.Status = status
	sr.outcome.FailureReason = reason
	if err != nil {
		sr.outcome.Error = err.Error()
	}

	x.emit(ctx, events.Event{
		Type:       events.TypeStepFailed,
		Step:       step.Name,
		Capability: step.Capability,
		Status:     string(status),
		Error:      sr.outcome.Error,
		Message:    string(reason),
	})
	x.c.logger.WarnContext(ctx, "saga: step failed",
		"execution_id", x.rec.ID,
		"step", step.Name,
		"optional", step.Optional,
		"reason", string(reason),
		"error", sr.outcome.Error,
	)
}

// invoke makes one attempt on reg, bounded by the step's attempt timeout.
// An overrun is reported as a retryable timeout; a panic as a permanent
// failure.
func (x *execution) invoke(ctx context.Context, step pipeline.Step, reg capability.Registration, input any, n int) (models.ProviderAttempt, capability.Result, error) {
	ctx, span := x.c.tracer.Start(ctx, "saga.Invoke", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.id", reg.ProviderID),
			attribute.String("step.name", step.Name),
			attribute.Int("attempt", n),
		))
	defer span.End()

	attempt := models.ProviderAttempt{
		ProviderID: reg.ProviderID,
		Attempt:    n,
		Status:     models.AttemptStatusRunning,
		Cost:       decimal.Zero,
		StartedAt:  x.c.now().UTC(),
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if step.Retry.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, step.Retry.Timeout)
	}
	defer cancel()

	type reply struct {
		result capability.Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: sserr.Permanent(fmt.Sprintf("provider %s panicked: %v", reg.ProviderID, p))}
			}
		}()
		r, err := reg.Adapter.Invoke(actx, capability.Request{
			Capability: step.Capability,
			Input:      input,
			Options:    step.Options,
		})
		done <- reply{result: r, err: err}
	}()

	var out reply
	select {
	case out = <-done:
	case <-actx.Done():
		out.err = actx.Err()
	}
	if out.err != nil && actx.Err() != nil {
		if ctx.Err() != nil {
			out.err = ctx.Err()
		} else {
			out.err = sserr.Wrapf(actx.Err(), sserr.CodeTimeoutDependency,
				"provider %s exceeded attempt timeout %s", reg.ProviderID, step.Retry.Timeout)
		}
	}

	attempt.Latency = x.c.now().Sub(attempt.StartedAt)
	if out.result.Cost.IsPositive() {
		attempt.Cost = out.result.Cost
	}
	switch {
	case out.err == nil:
		attempt.Status = models.AttemptStatusSucceeded
		span.SetStatus(codes.Ok, "")
	case capability.IsPermanent(out.err) || ctx.Err() != nil:
		attempt.Status = models.AttemptStatusFailedTerminal
		attempt.Error = out.err.Error()
	default:
		attempt.Status = models.AttemptStatusFailedRetryable
		attempt.Error = out.err.Error()
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	span.SetAttributes(attribute.String("attempt.status", string(attempt.Status)))
	return attempt, out.result, out.err
}
