// Package lifecycle starts and stops the components of an engine process
// (storage clients, telemetry, the orchestrator) as one unit.
//
// A [Runtime] moves through a small state machine:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed. Components start in the order
// they were added and stop in reverse, so a component can depend on the
// ones added before it.
package lifecycle

// State is the lifecycle state of a [Runtime].
type State string

const (
	// StateUnknown is the state of a runtime that has never started.
	StateUnknown State = "unknown"

	// StateStarting is set while start hooks run.
	StateStarting State = "starting"

	// StateRunning is the only state in which Health reports healthy.
	StateRunning State = "running"

	// StateStopping is set while stop hooks run.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown. A stopped runtime may be
	// started again.
	StateStopped State = "stopped"

	// StateFailed follows a start or stop hook error.
	StateFailed State = "failed"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the transition matrix:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Stopping, Failed
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateStopping, StateFailed},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
