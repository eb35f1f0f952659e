package pipeline

import (
	"context"
	"math"
	"time"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// InitialInput is the reserved binding name of the execution's original
// input. It is the default input of every step.
const InitialInput = "$input"

// Default step policies applied by [Builder.AddStep].
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMultiplier     = 2.0
	DefaultMaxBackoff     = 5 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxFallbacks   = 2
)

// Bindings is the read-only view of an execution context that
// preconditions evaluate against.
type Bindings interface {
	// Value returns the value bound to name and whether it is bound.
	Value(name string) (any, bool)
}

// Precondition decides whether a step runs. A step whose precondition
// returns false is recorded as skipped.
type Precondition func(b Bindings) bool

// Compensation describes the completed step a [Compensator] reverses.
type Compensation struct {
	ExecutionID string
	TenantID    string
	Step        string
	ProviderID  string
	Output      any
}

// Compensator reverses the side effects of a completed step. It is invoked
// at most once per execution, best-effort, and never retried.
type Compensator func(ctx context.Context, c Compensation) error

// RetryPolicy bounds the attempts made against a single provider.
type RetryPolicy struct {
	// MaxAttempts is the number of attempts per provider, including the
	// first. Must be at least 1.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// Multiplier grows the delay between consecutive attempts. Values
	// below 1 are treated as 1.
	Multiplier float64

	// MaxBackoff caps the delay. Zero means uncapped.
	MaxBackoff time.Duration

	// Timeout bounds a single attempt. Zero means unbounded.
	Timeout time.Duration
}

// DefaultRetryPolicy returns the policy applied to steps that do not set
// one: three attempts with exponential backoff from 100ms to 5s and a 30s
// attempt timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
		MaxBackoff:     DefaultMaxBackoff,
		Timeout:        DefaultAttemptTimeout,
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "retry policy max attempts must be at least 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.Timeout < 0 {
		return sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "retry policy durations must not be negative")
	}
	return nil
}

// Backoff returns the delay to wait after the given failed attempt
// (1-based) before the next attempt on the same provider.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Step is one immutable step of a [Definition].
type Step struct {
	// Name is unique within the pipeline.
	Name string

	// Capability is the unit of work the step routes on.
	Capability capability.Capability

	// PreferredProviders are tried first, in order, when registered.
	PreferredProviders []string

	// Inputs are the bindings fed to the provider. A single binding is
	// passed as-is; several are passed as a map keyed by binding name.
	Inputs []string

	// Output is the binding the step's result is stored under.
	Output string

	// Optional steps do not abort the pipeline when they fail.
	Optional bool

	// Precondition, when set, must hold for the step to run.
	Precondition Precondition

	// Retry bounds attempts per provider.
	Retry RetryPolicy

	// MaxFallbacks is the number of alternate providers tried after the
	// chain head.
	MaxFallbacks int

	// Compensate, when set, reverses the step if a later step fails.
	Compensate Compensator

	// Options are passed through to the adapter.
	Options map[string]any

	// SizeHint sizes the up-front cost estimate of the step. Zero means
	// the execution-level default applies.
	SizeHint int64

	// RequiredBindings are bindings that must be present for the step to
	// run; a missing one skips the step like a false precondition.
	RequiredBindings []string
}

// Clone returns a copy of the step that shares no slices or maps with s.
func (s Step) Clone() Step {
	s.PreferredProviders = cloneStrings(s.PreferredProviders)
	s.Inputs = cloneStrings(s.Inputs)
	s.RequiredBindings = cloneStrings(s.RequiredBindings)
	if s.Options != nil {
		opts := make(map[string]any, len(s.Options))
		for k, v := range s.Options {
			opts[k] = v
		}
		s.Options = opts
	}
	return s
}

// ShouldRun evaluates the step's binding requirements and precondition.
func (s Step) ShouldRun(b Bindings) bool {
	for _, name := range s.RequiredBindings {
		if _, ok := b.Value(name); !ok {
			return false
		}
	}
	if s.Precondition == nil {
		return true
	}
	return s.Precondition(b)
}

// References returns every binding the step reads: its inputs followed by
// its required bindings.
func (s Step) References() []string {
	refs := make([]string, 0, len(s.Inputs)+len(s.RequiredBindings))
	refs = append(refs, s.Inputs...)
	return append(refs, s.RequiredBindings...)
}

// StepOption customizes a step added with [Builder.AddStep].
type StepOption func(*Step)

// WithInputs sets the bindings fed to the step.
func WithInputs(bindings ...string) StepOption {
	return func(s *Step) {
		if len(bindings) > 0 {
			s.Inputs = cloneStrings(bindings)
		}
	}
}

// WithOutput sets the binding the step's result is stored under.
func WithOutput(binding string) StepOption {
	return func(s *Step) {
		if binding != "" {
			s.Output = binding
		}
	}
}

// Optional marks the step optional.
func Optional() StepOption {
	return func(s *Step) { s.Optional = true }
}

// WithPrecondition sets the step's precondition.
func WithPrecondition(fn Precondition) StepOption {
	return func(s *Step) { s.Precondition = fn }
}

// WhenPresent runs the step only when every named binding is present.
func WhenPresent(bindings ...string) StepOption {
	return func(s *Step) { s.RequiredBindings = append(s.RequiredBindings, bindings...) }
}

// PreferProviders sets the ordered provider preference list.
func PreferProviders(ids ...string) StepOption {
	return func(s *Step) { s.PreferredProviders = cloneStrings(ids) }
}

// WithRetry sets the step's retry policy.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *Step) { s.Retry = p }
}

// WithMaxFallbacks sets the number of alternate providers tried.
func WithMaxFallbacks(n int) StepOption {
	return func(s *Step) { s.MaxFallbacks = n }
}

// WithCompensation sets the step's compensating action.
func WithCompensation(fn Compensator) StepOption {
	return func(s *Step) { s.Compensate = fn }
}

// WithOptions sets adapter options. The map is copied.
func WithOptions(opts map[string]any) StepOption {
	return func(s *Step) {
		s.Options = make(map[string]any, len(opts))
		for k, v := range opts {
			s.Options[k] = v
		}
	}
}

// WithSizeHint sets the size used for the step's up-front cost estimate.
func WithSizeHint(n int64) StepOption {
	return func(s *Step) { s.SizeHint = n }
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
