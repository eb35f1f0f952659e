// Package models defines the execution record produced by every pipeline
// run.
//
// An [ExecutionRecord] is created when an execution starts, mutated only by
// the coordinator that owns the run, and becomes immutable once its status
// is terminal. It is the caller-visible result of a run: per-step outcomes
// with every provider attempt, compensation results, total cost, status and
// failure reason. Records serialize to JSON for persistence and for the
// transport layer.
//
// Execution lifecycle:
//
//	pending → running → succeeded
//	                  → partially_succeeded
//	                  → failed
//	                  → cancelled
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
)

// ExecutionSchemaVersion identifies the serialized layout of
// [ExecutionRecord]. Increment it on breaking field changes.
const ExecutionSchemaVersion = 1

// ProviderAttempt is one invocation of one provider for a step.
type ProviderAttempt struct {
	// ProviderID is the provider invoked.
	ProviderID string `json:"provider_id"`

	// Attempt is the 1-based attempt number on this provider.
	Attempt int `json:"attempt"`

	// Status is the terminal attempt state.
	Status AttemptStatus `json:"status"`

	// Cost is what the provider billed, including for failed attempts.
	Cost decimal.Decimal `json:"cost"`

	// Latency is the wall-clock duration of the attempt.
	Latency time.Duration `json:"latency"`

	// Error is the failure message for failed attempts.
	Error string `json:"error,omitempty"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
}

// StepOutcome is the recorded result of one attempted step.
type StepOutcome struct {
	// Step is the step name.
	Step string `json:"step"`

	// Capability is the capability the step routed on.
	Capability capability.Capability `json:"capability"`

	// Status is the overall step outcome.
	Status StepStatus `json:"status"`

	// ProviderID is the provider that produced the output, if any.
	ProviderID string `json:"provider_id,omitempty"`

	// Attempts lists every provider invocation in order.
	Attempts []ProviderAttempt `json:"attempts,omitempty"`

	// DeniedProviders lists candidates skipped by the budget pre-check.
	DeniedProviders []string `json:"denied_providers,omitempty"`

	// Cost is the sum of attempt costs.
	Cost decimal.Decimal `json:"cost"`

	// Latency is the wall-clock duration of the whole step.
	Latency time.Duration `json:"latency"`

	// CompletionSeq orders step completions within the execution. It is
	// assigned from a per-execution monotonic counter, and only
	// succeeded steps carry a non-zero value.
	CompletionSeq uint64 `json:"completion_seq,omitempty"`

	// FailureReason explains failed steps.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// Error is the last error message for failed steps.
	Error string `json:"error,omitempty"`
}

// AttemptCount returns the number of provider invocations.
func (o StepOutcome) AttemptCount() int {
	return len(o.Attempts)
}

// AttemptsFor returns the number of invocations of providerID.
func (o StepOutcome) AttemptsFor(providerID string) int {
	n := 0
	for _, a := range o.Attempts {
		if a.ProviderID == providerID {
			n++
		}
	}
	return n
}

// CompensationResult records one compensating action.
type CompensationResult struct {
	Step          string             `json:"step"`
	ProviderID    string             `json:"provider_id,omitempty"`
	CompletionSeq uint64             `json:"completion_seq"`
	Status        CompensationStatus `json:"status"`
	Error         string             `json:"error,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	Duration      time.Duration      `json:"duration"`
}

// ExecutionRecord is the aggregate result of one pipeline run.
type ExecutionRecord struct {
	// SchemaVersion is [ExecutionSchemaVersion] at creation.
	SchemaVersion int `json:"schema_version" db:"schema_version"`

	// ID is the unique execution identifier (UUID v4 by default).
	ID string `json:"id" db:"id"`

	// PipelineName and PipelineVersion identify the definition run.
	PipelineName    string `json:"pipeline_name" db:"pipeline_name"`
	PipelineVersion string `json:"pipeline_version" db:"pipeline_version"`

	// TenantID is the tenant billed for the run.
	TenantID string `json:"tenant_id" db:"tenant_id"`

	// Status is the execution state.
	Status ExecutionStatus `json:"status" db:"status"`

	// FailureReason explains failed and cancelled runs.
	FailureReason FailureReason `json:"failure_reason,omitempty" db:"failure_reason"`

	// FailedStep names the step that failed the run, if any.
	FailedStep string `json:"failed_step,omitempty" db:"failed_step"`

	// ErrorMessage is the error that failed the run, if any.
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// Steps holds one outcome per attempted step, skipped steps included,
	// in the order they finished.
	Steps []StepOutcome `json:"steps" db:"-"`

	// Compensations holds the compensation sweep, in execution order.
	Compensations []CompensationResult `json:"compensations,omitempty" db:"-"`

	// TotalCost is the sum of step costs.
	TotalCost decimal.Decimal `json:"total_cost" db:"total_cost"`

	// Output is the value of the pipeline's result binding, if bound.
	Output any `json:"output,omitempty" db:"-"`

	// Outputs holds every step output binding present at termination.
	Outputs map[string]any `json:"outputs,omitempty" db:"-"`

	// StartedAt is when the record was created.
	StartedAt time.Time `json:"started_at" db:"started_at"`

	// EndedAt is when the record reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// Metadata is free-form caller metadata.
	Metadata map[string]any `json:"metadata,omitempty" db:"metadata"`
}

// NewExecutionRecord creates a pending record with a generated id.
func NewExecutionRecord(pipelineName, pipelineVersion, tenantID string) (*ExecutionRecord, error) {
	return NewExecutionRecordWithID(uuid.New().String(), pipelineName, pipelineVersion, tenantID)
}

// NewExecutionRecordWithID creates a pending record with the given id.
func NewExecutionRecordWithID(id, pipelineName, pipelineVersion, tenantID string) (*ExecutionRecord, error) {
	r := &ExecutionRecord{
		SchemaVersion:   ExecutionSchemaVersion,
		ID:              id,
		PipelineName:    pipelineName,
		PipelineVersion: pipelineVersion,
		TenantID:        tenantID,
		Status:          ExecutionStatusPending,
		TotalCost:       decimal.Zero,
		StartedAt:       time.Now().UTC(),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks required fields and the status value.
func (r *ExecutionRecord) Validate() error {
	if r.ID == "" {
		return errors.New("models: execution ID is required")
	}
	if r.PipelineName == "" {
		return errors.New("models: execution pipeline name is required")
	}
	if r.TenantID == "" {
		return errors.New("models: execution tenant ID is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("models: invalid execution status %q", r.Status)
	}
	if r.TotalCost.IsNegative() {
		return fmt.Errorf("models: execution total cost must not be negative, got %s", r.TotalCost)
	}
	for _, s := range r.Steps {
		if !s.Status.Valid() {
			return fmt.Errorf("models: step %q has invalid status %q", s.Step, s.Status)
		}
	}
	return nil
}

// Transition moves the record to status to, rejecting moves the execution
// state machine does not allow. Terminal transitions set EndedAt.
func (r *ExecutionRecord) Transition(to ExecutionStatus, at time.Time) error {
	if !ValidExecutionTransition(r.Status, to) {
		return fmt.Errorf("models: invalid execution transition %s -> %s", r.Status, to)
	}
	r.Status = to
	if to.IsTerminal() {
		ended := at.UTC()
		r.EndedAt = &ended
	}
	return nil
}

// IsTerminal reports whether the record reached a final state.
func (r *ExecutionRecord) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// Duration returns the wall-clock duration of the run, up to now for runs
// still in progress. Returns zero if StartedAt is zero.
func (r *ExecutionRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Outcome returns the outcome recorded for step.
func (r *ExecutionRecord) Outcome(step string) (StepOutcome, bool) {
	for _, o := range r.Steps {
		if o.Step == step {
			return o, true
		}
	}
	return StepOutcome{}, false
}

// StepCost returns the sum of recorded step costs. On terminal records it
// equals TotalCost.
func (r *ExecutionRecord) StepCost() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Steps {
		total = total.Add(o.Cost)
	}
	return total
}

// Clone returns a deep copy of the record. Output values themselves are
// shared.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepOutcome, len(r.Steps))
	for i, o := range r.Steps {
		o.Attempts = append([]ProviderAttempt(nil), o.Attempts...)
		o.DeniedProviders = append([]string(nil), o.DeniedProviders...)
		c.Steps[i] = o
	}
	c.Compensations = append([]CompensationResult(nil), r.Compensations...)
	c.Outputs = cloneMap(r.Outputs)
	c.Metadata = cloneMap(r.Metadata)
	if r.EndedAt != nil {
		ended := *r.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
