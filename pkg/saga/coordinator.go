// Package saga executes pipeline definitions step by step, routing every
// step through its provider fallback chain and compensating completed
// steps when a mandatory step fails.
//
// A [Coordinator] is stateless between runs and safe for concurrent use;
// each [Coordinator.Run] owns its execution context and record until the
// record reaches a terminal status. Step failures never escape Run: they
// become record state and events.
//
// Steps run sequentially in definition order by default. With
// [WithConcurrentSteps] the steps of each topological layer (steps with no
// data dependency on each other) run concurrently and layers run in order.
package saga

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/saga"

// Defaults for the coordinator's own time bounds.
const (
	DefaultEventTimeout        = 2 * time.Second
	DefaultCompensationTimeout = 30 * time.Second
)

// ChainResolver builds the ordered provider candidates of a step. It is
// satisfied by [*capability.Registry].
type ChainResolver interface {
	BuildFallbackChain(c capability.Capability, preferred []string, maxFallbacks int) ([]capability.Registration, error)
}

// EventAppender receives the execution's events. It is satisfied by
// [*events.Store].
type EventAppender interface {
	Append(ctx context.Context, e events.Event) (events.Event, error)
}

// BudgetGate pre-checks and records tenant spend. It is satisfied by
// [*budget.Service].
type BudgetGate interface {
	CheckBudget(ctx context.Context, tenantID string, estimate decimal.Decimal) (budget.CheckResult, error)
	RecordSpend(ctx context.Context, tenantID string, amount decimal.Decimal) (decimal.Decimal, error)
}

var (
	_ ChainResolver = (*capability.Registry)(nil)
	_ EventAppender = (*events.Store)(nil)
	_ BudgetGate    = (*budget.Service)(nil)
)

// Sleeper waits d or until ctx ends, returning ctx.Err() in the latter
// case. The coordinator uses it for retry backoff.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTracer sets the tracer. Defaults to the global tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithConcurrentSteps runs the steps of each topological layer
// concurrently.
func WithConcurrentSteps(enabled bool) Option {
	return func(c *Coordinator) {
		c.concurrent = enabled
	}
}

// WithEventTimeout bounds each event append.
func WithEventTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.eventTimeout = d
		}
	}
}

// WithCompensationTimeout bounds each compensating action.
func WithCompensationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.compensationTimeout = d
		}
	}
}

// WithSleeper replaces the backoff sleep, for tests.
func WithSleeper(fn Sleeper) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// Coordinator runs pipeline executions.
type Coordinator struct {
	resolver            ChainResolver
	events              EventAppender
	budget              BudgetGate
	logger              *slog.Logger
	tracer              trace.Tracer
	concurrent          bool
	eventTimeout        time.Duration
	compensationTimeout time.Duration
	sleep               Sleeper
	now                 func() time.Time
}

// NewCoordinator creates a Coordinator. resolver and appender are
// required; a nil gate disables budget checks and spend recording.
func NewCoordinator(resolver ChainResolver, appender EventAppender, gate BudgetGate, opts ...Option) (*Coordinator, error) {
	if resolver == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "saga: chain resolver is required")
	}
	if appender == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "saga: event appender is required")
	}
	c := &Coordinator{
		resolver:            resolver,
		events:              appender,
		budget:              gate,
		logger:              slog.Default(),
		tracer:              otel.Tracer(tracerName),
		eventTimeout:        DefaultEventTimeout,
		compensationTimeout: DefaultCompensationTimeout,
		sleep:               sleep,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run describes one execution.
type Run struct {
	// ExecutionID identifies the execution. Generated when empty.
	ExecutionID string

	// TenantID is the tenant charged for the run.
	TenantID string

	// Pipeline is the definition to execute.
	Pipeline *pipeline.Definition

	// Input is bound under [pipeline.InitialInput].
	Input any

	// Cancel, when closed, stops the run at the next step boundary. The
	// attempt in flight finishes, completed steps are compensated, and the
	// record ends cancelled.
	Cancel <-chan struct{}

	// Metadata is copied onto the record.
	Metadata map[string]any
}

// Run executes run to completion and returns the terminal record. It
// never returns nil.
func (c *Coordinator) Run(ctx context.Context, run Run) *models.ExecutionRecord {
	rec, err := c.newRecord(run)
	if err != nil {
		return rec
	}

	ctx, span := c.tracer.Start(ctx, "saga.Run", trace.WithAttributes(runAttributes(rec)...))
	defer span.End()

	x := newExecution(c, run, rec)
	x.run(ctx)

	finishRunSpan(span, rec)
	return rec.Clone()
}

// newRecord creates the running record of run. Invalid runs yield a
// terminal failed record and a non-nil error.
func (c *Coordinator) newRecord(run Run) (*models.ExecutionRecord, error) {
	var (
		rec *models.ExecutionRecord
		err error
	)
	name, version := "", ""
	if run.Pipeline != nil {
		name, version = run.Pipeline.Name(), run.Pipeline.Version()
	}
	if run.ExecutionID == "" {
		rec, err = models.NewExecutionRecord(name, version, run.TenantID)
	} else {
		rec, err = models.NewExecutionRecordWithID(run.ExecutionID, name, version, run.TenantID)
	}
	if err == nil && run.Pipeline == nil {
		err = sserr.New(sserr.CodeValidationRequired, "saga: pipeline is required")
	}
	if err != nil {
		now := c.now().UTC()
		failed := &models.ExecutionRecord{
			SchemaVersion:   models.ExecutionSchemaVersion,
			ID:              run.ExecutionID,
			PipelineName:    name,
			PipelineVersion: version,
			TenantID:        run.TenantID,
			Status:          models.ExecutionStatusFailed,
			ErrorMessage:    err.Error(),
			TotalCost:       decimal.Zero,
			StartedAt:       now,
			EndedAt:         &now,
		}
		return failed, err
	}
	rec.StartedAt = c.now().UTC()
	rec.Metadata = cloneAnyMap(run.Metadata)
	return rec, nil
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
