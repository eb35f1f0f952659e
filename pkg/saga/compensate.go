package saga

import (
	"context"
	"fmt"
	"sort"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// compensate reverses every succeeded step that declares a compensator,
// in reverse completion order. Each action runs on a context detached
// from caller cancellation and bounded by the compensation timeout.
// Failures are recorded and the sweep continues.
func (x *execution) compensate(ctx context.Context) []models.CompensationResult {
	x.mu.Lock()
	completed := append([]completion(nil), x.completed...)
	x.mu.Unlock()

	sort.Slice(completed, func(i, j int) bool { return completed[i].seq > completed[j].seq })

	var results []models.CompensationResult
	for _, done := range completed {
		if done.step.Compensate == nil {
			continue
		}
		results = append(results, x.compensateStep(ctx, done))
	}
	return results
}

func (x *execution) compensateStep(ctx context.Context, done completion) models.CompensationResult {
	x.emit(ctx, events.Event{
		Type:       events.TypeCompensationStarted,
		Step:       done.step.Name,
		ProviderID: done.providerID,
	})

	start := x.c.now()
	res := models.CompensationResult{
		Step:          done.step.Name,
		ProviderID:    done.providerID,
		CompletionSeq: done.seq,
		StartedAt:     start.UTC(),
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.c.compensationTimeout)
	defer cancel()
	err := runCompensator(cctx, done.step.Compensate, pipeline.Compensation{
		ExecutionID: x.rec.ID,
		TenantID:    x.rec.TenantID,
		Step:        done.step.Name,
		ProviderID:  done.providerID,
		Output:      done.output,
	})
	res.Duration = x.c.now().Sub(start)

	if err != nil {
		res.Status = models.CompensationStatusFailed
		res.Error = err.Error()
		x.emit(ctx, events.Event{
			Type:       events.TypeCompensationFailed,
			Step:       done.step.Name,
			ProviderID: done.providerID,
			Error:      res.Error,
		})
		x.c.logger.ErrorContext(ctx, "saga: compensation failed",
			"execution_id", x.rec.ID,
			"step", done.step.Name,
			"provider", done.providerID,
			"error", err,
		)
		return res
	}

	res.Status = models.CompensationStatusCompleted
	x.emit(ctx, events.Event{
		Type:       events.TypeCompensationCompleted,
		Step:       done.step.Name,
		ProviderID: done.providerID,
	})
	return res
}

// runCompensator calls fn, converting a panic or an overrun of ctx into a
// [sserr.CodeCompensationFailed] error.
func runCompensator(ctx context.Context, fn pipeline.Compensator, c pipeline.Compensation) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- sserr.Newf(sserr.CodeCompensationFailed, "compensation of %s panicked: %v", c.Step, p)
			}
		}()
		done <- fn(ctx, c)
	}()

	select {
	case err := <-done:
		if err != nil {
			return sserr.Wrap(err, sserr.CodeCompensationFailed, fmt.Sprintf("compensation of %s failed", c.Step))
		}
		return nil
	case <-ctx.Done():
		return sserr.Wrap(ctx.Err(), sserr.CodeCompensationFailed, fmt.Sprintf("compensation of %s timed out", c.Step))
	}
}
