package saga

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// completion is a succeeded step eligible for compensation.
type completion struct {
	seq        uint64
	step       pipeline.Step
	providerID string
	output     any
}

// execution is the state of one Run.
type execution struct {
	c        *Coordinator
	spec     Run
	def      *pipeline.Definition
	bindings *ExecutionContext

	// seq assigns completion sequence numbers.
	seq atomic.Uint64

	mu        sync.Mutex
	rec       *models.ExecutionRecord
	completed []completion
	finished  int
}

func newExecution(c *Coordinator, run Run, rec *models.ExecutionRecord) *execution {
	return &execution{
		c:        c,
		spec:     run,
		def:      run.Pipeline,
		bindings: NewExecutionContext(run.Input),
		rec:      rec,
	}
}

// abort describes why the run stopped early.
type abort struct {
	reason models.FailureReason
	step   string
	err    string
}

func (x *execution) run(ctx context.Context) {
	rec := x.rec
	_ = rec.Transition(models.ExecutionStatusRunning, x.c.now())
	x.emit(ctx, events.Event{
		Type:    events.TypeExecutionStarted,
		Status:  string(models.ExecutionStatusRunning),
		Total:   x.def.Len(),
		Message: x.def.Ref(),
		Data:    map[string]any{"tenant_id": rec.TenantID},
	})
	x.c.logger.InfoContext(ctx, "saga: execution started",
		"execution_id", rec.ID,
		"pipeline", x.def.Ref(),
		"tenant", rec.TenantID,
	)

	var stop *abort
	for _, layer := range x.layers() {
		if x.cancelled(ctx) {
			stop = &abort{reason: models.FailureCanceled}
			break
		}
		if stop = x.runLayer(ctx, layer); stop != nil {
			break
		}
	}
	x.finish(ctx, stop)
}

// layers returns the groups of steps run together: one step per group
// sequentially, topological layers when concurrency is enabled.
func (x *execution) layers() [][]pipeline.Step {
	if x.c.concurrent {
		return x.def.Levels()
	}
	steps := x.def.Steps()
	out := make([][]pipeline.Step, len(steps))
	for i, s := range steps {
		out[i] = []pipeline.Step{s}
	}
	return out
}

// runLayer runs the steps of one layer and reports the abort of the
// first failing mandatory step in definition order.
func (x *execution) runLayer(ctx context.Context, layer []pipeline.Step) *abort {
	outcomes := make([]models.StepOutcome, len(layer))
	if len(layer) == 1 {
		outcomes[0] = x.runStep(ctx, layer[0])
	} else {
		var wg sync.WaitGroup
		for i, step := range layer {
			wg.Add(1)
			go func(i int, step pipeline.Step) {
				defer wg.Done()
				outcomes[i] = x.runStep(ctx, step)
			}(i, step)
		}
		wg.Wait()
	}

	for _, o := range outcomes {
		if o.Status != models.StepStatusFailed {
			continue
		}
		if ctx.Err() != nil {
			return &abort{reason: models.FailureCanceled, step: o.Step, err: o.Error}
		}
		return &abort{reason: o.FailureReason, step: o.Step, err: o.Error}
	}
	return nil
}

// cancelled reports whether the caller asked the run to stop.
func (x *execution) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	if x.spec.Cancel == nil {
		return false
	}
	select {
	case <-x.spec.Cancel:
		return true
	default:
		return false
	}
}

// record appends a finished step outcome and emits progress.
func (x *execution) record(ctx context.Context, o models.StepOutcome, step pipeline.Step, output any) {
	x.mu.Lock()
	x.rec.Steps = append(x.rec.Steps, o)
	if o.Status == models.StepStatusSucceeded {
		x.completed = append(x.completed, completion{
			seq:        o.CompletionSeq,
			step:       step,
			providerID: o.ProviderID,
			output:     output,
		})
	}
	x.finished++
	// Appended under mu so Finished is monotonic across concurrent steps.
	x.emit(ctx, events.Event{
		Type:     events.TypeProgress,
		Step:     o.Step,
		Finished: x.finished,
		Total:    x.def.Len(),
	})
	x.mu.Unlock()
}

// finish compensates when needed and moves the record to its terminal
// status.
func (x *execution) finish(ctx context.Context, stop *abort) {
	rec := x.rec
	status := models.ExecutionStatusSucceeded
	terminal := events.TypeExecutionCompleted

	switch {
	case stop != nil && stop.reason == models.FailureCanceled:
		status = models.ExecutionStatusCancelled
		terminal = events.TypeExecutionCancelled
	case stop != nil:
		status = models.ExecutionStatusFailed
		terminal = events.TypeExecutionFailed
	default:
		for _, o := range rec.Steps {
			if o.Status == models.StepStatusFailedOptionalIgnored {
				status = models.ExecutionStatusPartiallySucceeded
				break
			}
		}
	}

	if stop != nil {
		rec.FailureReason = stop.reason
		rec.FailedStep = stop.step
		rec.ErrorMessage = stop.err
		rec.Compensations = x.compensate(ctx)
	}

	total := decimal.Zero
	for _, o := range rec.Steps {
		total = total.Add(o.Cost)
	}
	rec.TotalCost = total
	rec.Outputs = x.bindings.Outputs()
	if name := x.def.ResultBinding(); name != "" {
		if v, ok := x.bindings.Value(name); ok {
			rec.Output = v
		}
	}
	_ = rec.Transition(status, x.c.now())

	e := events.Event{
		Type:   terminal,
		Status: string(status),
		Cost:   total,
		Step:   rec.FailedStep,
		Error:  rec.ErrorMessage,
	}
	if rec.FailureReason != models.FailureNone {
		e.Message = string(rec.FailureReason)
	}
	x.emit(ctx, e)

	x.c.logger.InfoContext(ctx, "saga: execution finished",
		"execution_id", rec.ID,
		"pipeline", x.def.Ref(),
		"status", status.String(),
		"failure_reason", string(rec.FailureReason),
		"failed_step", rec.FailedStep,
		"total_cost", total.String(),
		"duration", rec.Duration().String(),
	)
}

// emit appends e to the execution's log. Append failures are logged and
// never affect the run.
func (x *execution) emit(ctx context.Context, e events.Event) {
	e.ExecutionID = x.rec.ID
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.c.eventTimeout)
	defer cancel()
	if _, err := x.c.events.Append(ectx, e); err != nil {
		x.c.logger.WarnContext(ctx, "saga: event append failed",
			"execution_id", e.ExecutionID,
			"type", e.Type.String(),
			"error", err,
		)
	}
}
