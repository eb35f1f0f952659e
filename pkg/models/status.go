package models

// ExecutionStatus is the lifecycle state of one pipeline execution.
type ExecutionStatus string

const (
	// ExecutionStatusPending is the state of a record created but not yet
	// handed to a coordinator.
	ExecutionStatusPending ExecutionStatus = "pending"

	// ExecutionStatusRunning indicates the coordinator is walking steps.
	ExecutionStatusRunning ExecutionStatus = "running"

	// ExecutionStatusSucceeded indicates every attempted step succeeded or
	// was skipped. Terminal.
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"

	// ExecutionStatusPartiallySucceeded indicates the run finished but at
	// least one optional step failed. Terminal.
	ExecutionStatusPartiallySucceeded ExecutionStatus = "partially_succeeded"

	// ExecutionStatusFailed indicates a mandatory step failed and
	// compensation ran. Terminal.
	ExecutionStatusFailed ExecutionStatus = "failed"

	// ExecutionStatusCancelled indicates the run was stopped at a step
	// boundary by an external signal. Terminal.
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// String returns the string representation of the status.
func (s ExecutionStatus) String() string {
	return string(s)
}

// Valid reports whether s is a recognized execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusSucceeded,
		ExecutionStatusPartiallySucceeded, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusPartiallySucceeded,
		ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the overall outcome of one step.
type StepStatus string

const (
	// StepStatusSkipped indicates the precondition was false.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusSucceeded indicates a provider produced the step output.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates a mandatory step exhausted its chain or
	// could not resolve its inputs.
	StepStatusFailed StepStatus = "failed"

	// StepStatusFailedOptionalIgnored indicates an optional step failed
	// and the pipeline continued.
	StepStatusFailedOptionalIgnored StepStatus = "failed_optional_ignored"
)

// Valid reports whether s is a recognized step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusSkipped, StepStatusSucceeded, StepStatusFailed, StepStatusFailedOptionalIgnored:
		return true
	default:
		return false
	}
}

// Failed reports whether the step failed, optional or not.
func (s StepStatus) Failed() bool {
	return s == StepStatusFailed || s == StepStatusFailedOptionalIgnored
}

// AttemptStatus is the state of one provider attempt.
type AttemptStatus string

const (
	AttemptStatusPending         AttemptStatus = "pending"
	AttemptStatusRunning         AttemptStatus = "running"
	AttemptStatusSucceeded       AttemptStatus = "succeeded"
	AttemptStatusFailedRetryable AttemptStatus = "failed_retryable"
	AttemptStatusFailedTerminal  AttemptStatus = "failed_terminal"
)

// IsTerminal reports whether the attempt has finished.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSucceeded, AttemptStatusFailedRetryable, AttemptStatusFailedTerminal:
		return true
	default:
		return false
	}
}

// FailureReason enumerates why a step or execution failed.
type FailureReason string

const (
	FailureNone                  FailureReason = ""
	FailureNoProviderAvailable   FailureReason = "no_provider_available"
	FailureProvidersExhausted    FailureReason = "providers_exhausted"
	FailureBudgetExceeded        FailureReason = "budget_exceeded"
	FailureMissingInput          FailureReason = "missing_input"
	FailureCanceled              FailureReason = "canceled"
	FailureBudgetPreflightDenied FailureReason = "budget_preflight_denied"
)

// CompensationStatus is the outcome of one compensating action.
type CompensationStatus string

const (
	CompensationStatusCompleted CompensationStatus = "completed"
	CompensationStatusFailed    CompensationStatus = "failed"
)

// executionTransitions is the execution state machine:
//
//	pending → running, failed, cancelled
//	running → succeeded, partially_succeeded, failed, cancelled
//
// Terminal states have no outgoing transitions. A pending execution may
// fail directly when its up-front budget check is denied.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {ExecutionStatusRunning, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusRunning: {
		ExecutionStatusSucceeded, ExecutionStatusPartiallySucceeded,
		ExecutionStatusFailed, ExecutionStatusCancelled,
	},
}

// attemptTransitions is the per-attempt state machine:
//
//	pending → running → succeeded | failed_retryable | failed_terminal
var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptStatusPending: {AttemptStatusRunning},
	AttemptStatusRunning: {AttemptStatusSucceeded, AttemptStatusFailedRetryable, AttemptStatusFailedTerminal},
}

// ValidExecutionTransition reports whether from → to is allowed.
func ValidExecutionTransition(from, to ExecutionStatus) bool {
	return contains(executionTransitions[from], to)
}

// ValidAttemptTransition reports whether from → to is allowed.
func ValidAttemptTransition(from, to AttemptStatus) bool {
	return contains(attemptTransitions[from], to)
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
