package events

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
)

// Type identifies the kind of an [Event].
type Type string

const (
	TypeExecutionStarted Type = "execution.started"

	TypeStepStarted   Type = "step.started"
	TypeStepCompleted Type = "step.completed"
	TypeStepFailed    Type = "step.failed"
	TypeStepRetrying  Type = "step.retrying"
	TypeStepSkipped   Type = "step.skipped"

	// TypeProviderFailed is emitted when a candidate is given up, either
	// denied by the budget or out of attempts. Data carries the failure
	// code and the next candidate, if any.
	TypeProviderFailed Type = "step.provider_failed"

	// TypeProgress reports finished/total steps after every step.
	TypeProgress Type = "progress"

	// TypeCostIncurred is emitted once per step that billed a cost.
	TypeCostIncurred Type = "cost.incurred"

	// TypeBudgetWarning is emitted when a charge is allowed over the
	// tenant's limit.
	TypeBudgetWarning Type = "budget.warning"

	TypeCompensationStarted   Type = "compensation.started"
	TypeCompensationCompleted Type = "compensation.completed"
	TypeCompensationFailed    Type = "compensation.failed"

	TypeExecutionCompleted Type = "execution.completed"
	TypeExecutionFailed    Type = "execution.failed"
	TypeExecutionCancelled Type = "execution.cancelled"
)

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// IsTerminal reports whether t ends an execution's event stream.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeExecutionCompleted, TypeExecutionFailed, TypeExecutionCancelled:
		return true
	default:
		return false
	}
}

// Event is one entry in an execution's event log. Seq and Timestamp are
// assigned by the [Store] on append; the remaining fields are populated
// according to Type.
type Event struct {
	// Seq is the 1-based position of the event in its execution's log.
	Seq uint64 `json:"seq"`

	Type        Type      `json:"type"`
	ExecutionID string    `json:"execution_id"`
	Timestamp   time.Time `json:"timestamp"`

	Step       string                `json:"step,omitempty"`
	Capability capability.Capability `json:"capability,omitempty"`
	ProviderID string                `json:"provider_id,omitempty"`

	// Attempt is the 1-based attempt number on ProviderID.
	Attempt int `json:"attempt,omitempty"`

	// Cost is the amount billed (cost.incurred, step.completed) or the
	// projected amount (budget.warning).
	Cost decimal.Decimal `json:"cost"`

	// Finished and Total carry a progress report.
	Finished int `json:"finished,omitempty"`
	Total    int `json:"total,omitempty"`

	// Status is the step or execution status the event reports.
	Status string `json:"status,omitempty"`

	Error   string         `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Progress returns Finished/Total as a fraction in [0, 1].
func (e Event) Progress() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Finished) / float64(e.Total)
}
