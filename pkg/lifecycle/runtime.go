package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/lifecycle"

// DefaultStopTimeout bounds the stop hooks run by [Runtime.Run].
const DefaultStopTimeout = 30 * time.Second

// Hook is a start or stop action. A nil hook is skipped.
type Hook func(ctx context.Context) error

// Component is one unit managed by a [Runtime].
type Component struct {
	Name  string
	Start Hook
	Stop  Hook
}

// Closer returns a component that only has a stop hook.
func Closer(name string, stop func(ctx context.Context) error) Component {
	return Component{Name: name, Stop: stop}
}

// StateChangeHandler is called after every state transition.
type StateChangeHandler func(old, new State)

// Option configures a [Runtime].
type Option func(*Runtime)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithTracer sets the tracer used for Start and Stop spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithStopTimeout bounds the stop hooks run by [Runtime.Run].
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.stopTimeout = d }
}

// OnStateChange registers a handler called after every transition.
func OnStateChange(h StateChangeHandler) Option {
	return func(r *Runtime) { r.onStateChange = h }
}

// Runtime starts components in order and stops them in reverse. It is
// safe for concurrent use; Start and Stop calls are serialized.
type Runtime struct {
	name          string
	logger        *slog.Logger
	tracer        trace.Tracer
	stopTimeout   time.Duration
	onStateChange StateChangeHandler

	// run serializes Start and Stop.
	run sync.Mutex

	mu         sync.RWMutex
	state      State
	components []Component
	started    int
	startedAt  time.Time
}

// New creates a Runtime in [StateUnknown].
func New(name string, opts ...Option) *Runtime {
	r := &Runtime{
		name:        name,
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		stopTimeout: DefaultStopTimeout,
		state:       StateUnknown,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add appends components. Components may only be added while the runtime
// is not running.
func (r *Runtime) Add(components ...Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateUnknown && !r.state.IsTerminal() {
		return sserr.Newf(sserr.CodeConflict, "lifecycle: cannot add components while %s", r.state)
	}
	for _, c := range components {
		if c.Name == "" {
			return sserr.New(sserr.CodeValidationRequired, "lifecycle: component name is required")
		}
	}
	r.components = append(r.components, components...)
	return nil
}

// State returns the current state.
func (r *Runtime) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Uptime returns how long the runtime has been running, or zero.
func (r *Runtime) Uptime() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateRunning {
		return 0
	}
	return time.Since(r.startedAt)
}

// Health returns nil while running and CodeUnavailable otherwise.
func (r *Runtime) Health(context.Context) error {
	if s := r.State(); s != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable, "lifecycle: %s is %s", r.name, s)
	}
	return nil
}

func (r *Runtime) setState(to State) error {
	r.mu.Lock()
	from := r.state
	if !ValidTransition(from, to) {
		r.mu.Unlock()
		return sserr.Newf(sserr.CodeConflict, "lifecycle: invalid transition %s -> %s", from, to)
	}
	r.state = to
	if to == StateRunning {
		r.startedAt = time.Now()
	}
	r.mu.Unlock()
	if r.onStateChange != nil {
		r.onStateChange(from, to)
	}
	return nil
}

// Start runs every start hook in order. If one fails, the components
// already started are stopped in reverse and the runtime ends in
// [StateFailed].
func (r *Runtime) Start(ctx context.Context) error {
	r.run.Lock()
	defer r.run.Unlock()

	ctx, span := r.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return failSpan(span, sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution"))
	}
	if err := r.setState(StateStarting); err != nil {
		return failSpan(span, err)
	}
	r.logger.InfoContext(ctx, "lifecycle: starting", "runtime", r.name)

	r.mu.RLock()
	components := append([]Component(nil), r.components...)
	r.mu.RUnlock()

	for i, c := range components {
		if c.Start != nil {
			if err := c.Start(ctx); err != nil {
				r.logger.ErrorContext(ctx, "lifecycle: start hook failed",
					"runtime", r.name,
					"component", c.Name,
					"error", err,
				)
				r.stopComponents(context.WithoutCancel(ctx), components[:i])
				_ = r.setState(StateFailed)
				return failSpan(span, sserr.Wrapf(err, sserr.CodeUnavailableDependency,
					"lifecycle: component %s failed to start", c.Name).WithDetail("component", c.Name))
			}
		}
		r.mu.Lock()
		r.started = i + 1
		r.mu.Unlock()
	}

	if err := r.setState(StateRunning); err != nil {
		return failSpan(span, err)
	}
	r.logger.InfoContext(ctx, "lifecycle: running", "runtime", r.name, "components", len(components))
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop runs the stop hooks of started components in reverse. Every hook
// runs even if an earlier one fails; the errors are joined. Stop of a
// runtime that is not running is a no-op.
func (r *Runtime) Stop(ctx context.Context) error {
	r.run.Lock()
	defer r.run.Unlock()

	ctx, span := r.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if r.State() != StateRunning {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := r.setState(StateStopping); err != nil {
		return failSpan(span, err)
	}
	r.logger.InfoContext(ctx, "lifecycle: stopping", "runtime", r.name)

	r.mu.RLock()
	components := append([]Component(nil), r.components[:r.started]...)
	r.mu.RUnlock()

	if err := r.stopComponents(ctx, components); err != nil {
		_ = r.setState(StateFailed)
		return failSpan(span, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop hook failed"))
	}
	if err := r.setState(StateStopped); err != nil {
		return failSpan(span, err)
	}
	r.logger.InfoContext(ctx, "lifecycle: stopped", "runtime", r.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Run starts the runtime, calls fn, and stops the runtime when fn
// returns. Stop hooks get a fresh context bounded by the stop timeout, so
// a cancelled ctx still shuts down cleanly.
func (r *Runtime) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stopTimeout)
	defer cancel()
	return errors.Join(runErr, r.Stop(stopCtx))
}

func (r *Runtime) stopComponents(ctx context.Context, components []Component) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if c.Stop == nil {
			continue
		}
		if err := c.Stop(ctx); err != nil {
			r.logger.ErrorContext(ctx, "lifecycle: stop hook failed",
				"runtime", r.name,
				"component", c.Name,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	r.mu.Lock()
	r.started = 0
	r.mu.Unlock()
	return errors.Join(errs...)
}

func (r *Runtime) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("runtime.name", r.name)),
	)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
