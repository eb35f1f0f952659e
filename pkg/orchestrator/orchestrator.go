// Package orchestrator is the entry point clients use to run pipelines.
// It owns the pipeline catalog, resolves the tenant of each execution,
// runs a coarse whole-pipeline budget pre-check, hands the run to the
// saga coordinator, and publishes the terminal record to metrics and
// record sinks.
//
// Executions are tracked in memory from submission until they fall out
// of the retention window; older records are served by the configured
// [RecordLoader].
//
//	orch, err := orchestrator.New(registry, store, budgetSvc,
//	    orchestrator.WithConfig(cfg),
//	    orchestrator.WithRecordSinks(repo),
//	)
//	id, err := orch.Execute(ctx, "meeting-notes", audio, "acme")
//	stream, err := orch.SubscribeEvents(ctx, id)
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/auth"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/saga"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"

// RecordSink receives every terminal record, best-effort.
type RecordSink interface {
	Save(ctx context.Context, rec *models.ExecutionRecord) error
}

// RecordLoader loads records no longer held in memory.
type RecordLoader interface {
	Load(ctx context.Context, id string) (*models.ExecutionRecord, error)
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithConfig replaces [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer used by the orchestrator and its
// coordinator. Defaults to the global tracer provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecordSinks appends record sinks.
func WithRecordSinks(sinks ...RecordSink) Option {
	return func(o *Orchestrator) {
		for _, s := range sinks {
			if s != nil {
				o.sinks = append(o.sinks, s)
			}
		}
	}
}

// WithRecordLoader sets the loader consulted for records not in memory.
func WithRecordLoader(l RecordLoader) Option {
	return func(o *Orchestrator) { o.loader = l }
}

// WithIDGenerator replaces the UUID execution id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithCoordinatorOptions passes extra options to the saga coordinator.
func WithCoordinatorOptions(opts ...saga.Option) Option {
	return func(o *Orchestrator) { o.sagaOpts = append(o.sagaOpts, opts...) }
}

// Orchestrator runs registered pipelines. It is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	registry    *capability.Registry
	events      *events.Store
	budget      *budget.Service
	coordinator *saga.Coordinator
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     MetricsRecorder
	sinks       []RecordSink
	loader      RecordLoader
	newID       func() string
	sagaOpts    []saga.Option

	mu       sync.RWMutex
	catalog  catalog
	runs     map[string]*execution
	finished []string
	active   int
	closed   bool
	wg       sync.WaitGroup
}

// New creates an Orchestrator. registry and store are required; a nil
// budget service disables budget enforcement.
func New(registry *capability.Registry, store *events.Store, budgetSvc *budget.Service, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "orchestrator: capability registry is required")
	}
	if store == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "orchestrator: event store is required")
	}
	o := &Orchestrator{
		cfg:      DefaultConfig(),
		registry: registry,
		events:   store,
		budget:   budgetSvc,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		newID:    uuid.NewString,
		catalog:  newCatalog(),
		runs:     make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	sagaOpts := []saga.Option{
		saga.WithLogger(o.logger),
		saga.WithTracer(o.tracer),
		saga.WithConcurrentSteps(o.cfg.ConcurrentSteps),
		saga.WithEventTimeout(o.cfg.EventTimeout),
		saga.WithCompensationTimeout(o.cfg.CompensationTimeout),
	}
	// A nil *budget.Service must reach the coordinator as a nil interface.
	var gate saga.BudgetGate
	if budgetSvc != nil {
		gate = budgetSvc
	}
	c, err := saga.NewCoordinator(registry, store, gate, append(sagaOpts, o.sagaOpts...)...)
	if err != nil {
		return nil, err
	}
	o.coordinator = c
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// execution tracks one submitted run.
type execution struct {
	id        string
	tenantID  string
	def       *pipeline.Definition
	submitted time.Time

	cancel     chan struct{}
	cancelOnce sync.Once
	stop       context.CancelFunc
	done       chan struct{}

	// rec is set before done is closed.
	rec *models.ExecutionRecord
}

func (x *execution) requestCancel() {
	x.cancelOnce.Do(func() { close(x.cancel) })
}

func (x *execution) isDone() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// Execute starts pipelineName asynchronously and returns the execution
// id. The run is detached from ctx's cancellation; use [Orchestrator.Cancel]
// to stop it. An empty tenantID is resolved with [auth.TenantFromContext].
func (o *Orchestrator) Execute(ctx context.Context, pipelineName string, input any, tenantID string) (string, error) {
	def, err := o.lookup(pipelineName)
	if err != nil {
		return "", err
	}
	x, runCtx, err := o.start(ctx, def, tenantID, true)
	if err != nil {
		return "", err
	}
	go o.execute(runCtx, x, input, metadataFrom(ctx))
	return x.id, nil
}

// Run executes pipelineName synchronously and returns its terminal
// record. Cancelling ctx cancels the run.
func (o *Orchestrator) Run(ctx context.Context, pipelineName string, input any, tenantID string) (*models.ExecutionRecord, error) {
	def, err := o.lookup(pipelineName)
	if err != nil {
		return nil, err
	}
	return o.RunDefinition(ctx, def, input, tenantID)
}

// RunDefinition executes def synchronously without registering it.
func (o *Orchestrator) RunDefinition(ctx context.Context, def *pipeline.Definition, input any, tenantID string) (*models.ExecutionRecord, error) {
	if def == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "orchestrator: pipeline definition is required")
	}
	x, runCtx, err := o.start(ctx, def, tenantID, false)
	if err != nil {
		return nil, err
	}
	o.execute(runCtx, x, input, metadataFrom(ctx))
	return x.rec.Clone(), nil
}

// start admits a new execution and derives its run context.
func (o *Orchestrator) start(ctx context.Context, def *pipeline.Definition, tenantID string, detach bool) (*execution, context.Context, error) {
	if tenantID == "" {
		tenantID, _ = auth.TenantFromContext(ctx)
	}
	if tenantID == "" {
		return nil, nil, sserr.New(sserr.CodeValidationRequired, "orchestrator: tenant id is required")
	}

	x := &execution{
		id:        o.newID(),
		tenantID:  tenantID,
		def:       def,
		submitted: time.Now().UTC(),
		cancel:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return nil, nil, sserr.New(sserr.CodeUnavailable, "orchestrator: shutting down")
	case o.cfg.MaxConcurrent > 0 && o.active >= o.cfg.MaxConcurrent:
		active := o.active
		o.mu.Unlock()
		return nil, nil, sserr.Newf(sserr.CodeUnavailableOverloaded,
			"orchestrator: %d executions in flight (limit %d)", active, o.cfg.MaxConcurrent).
			WithDetail("limit", o.cfg.MaxConcurrent)
	}
	if _, dup := o.runs[x.id]; dup {
		o.mu.Unlock()
		return nil, nil, sserr.Newf(sserr.CodeConflictAlreadyExists, "orchestrator: execution %s already exists", x.id)
	}
	o.runs[x.id] = x
	o.active++
	o.wg.Add(1)
	o.mu.Unlock()

	base := ctx
	if detach {
		base = context.WithoutCancel(ctx)
	}
	var runCtx context.Context
	if o.cfg.ExecutionTimeout > 0 {
		runCtx, x.stop = context.WithTimeout(base, o.cfg.ExecutionTimeout)
	} else {
		runCtx, x.stop = context.WithCancel(base)
	}
	return x, runCtx, nil
}

// execute runs x to completion and publishes its record.
func (o *Orchestrator) execute(ctx context.Context, x *execution, input any, metadata map[string]any) {
	defer o.wg.Done()
	defer x.stop()

	ctx, span := o.tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(executeAttributes(x)...))
	defer span.End()

	var rec *models.ExecutionRecord
	if denied := o.preflight(ctx, x); denied != nil {
		rec = denied
	} else {
		rec = o.coordinator.Run(ctx, saga.Run{
			ExecutionID: x.id,
			TenantID:    x.tenantID,
			Pipeline:    x.def,
			Input:       input,
			Cancel:      x.cancel,
			Metadata:    metadata,
		})
	}
	finishExecuteSpan(span, rec)

	o.publish(ctx, rec)

	o.mu.Lock()
	x.rec = rec
	o.active--
	o.retain(x.id)
	o.mu.Unlock()
	close(x.done)
}

// retain marks id finished and evicts the oldest finished executions
// beyond the retention window. Callers hold o.mu.
func (o *Orchestrator) retain(id string) {
	o.finished = append(o.finished, id)
	for o.cfg.RetainedRecords > 0 && len(o.finished) > o.cfg.RetainedRecords {
		delete(o.runs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// publish hands rec to the metrics recorder and every sink. Failures are
// logged.
func (o *Orchestrator) publish(ctx context.Context, rec *models.ExecutionRecord) {
	o.recordMetrics(ctx, rec)
	if len(o.sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SinkTimeout)
	defer cancel()
	for _, sink := range o.sinks {
		if err := saveRecord(sctx, sink, rec); err != nil {
			o.logger.ErrorContext(ctx, "orchestrator: record sink failed",
				"execution_id", rec.ID,
				"sink", sinkName(sink),
				"error", err,
			)
		}
	}
}

func saveRecord(ctx context.Context, sink RecordSink, rec *models.ExecutionRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = sserr.Newf(sserr.CodeInternal, "record sink panicked: %v", p)
		}
	}()
	return sink.Save(ctx, rec.Clone())
}

// Wait blocks until execution id terminates and returns its record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	o.mu.RLock()
	x, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return o.load(ctx, id)
	}
	select {
	case <-x.done:
		return x.rec.Clone(), nil
	case <-ctx.Done():
		return nil, sserr.Wrapf(ctx.Err(), sserr.CodeTimeout, "orchestrator: wait for execution %s interrupted", id)
	}
}

// Cancel asks execution id to stop at its next step boundary. Cancelling
// a finished execution is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.RLock()
	x, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return notFound(id)
	}
	if !x.isDone() {
		x.requestCancel()
		o.logger.Info("orchestrator: cancellation requested", "execution_id", id)
	}
	return nil
}

// Record returns the record of execution id: the terminal record when
// finished, a running snapshot while in flight, else the loader's copy.
func (o *Orchestrator) Record(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	o.mu.RLock()
	x, ok := o.runs[id]
	o.mu.RUnlock()
	if !ok {
		return o.load(ctx, id)
	}
	if x.isDone() {
		return x.rec.Clone(), nil
	}
	snap := &models.ExecutionRecord{
		SchemaVersion:   models.ExecutionSchemaVersion,
		ID:              x.id,
		PipelineName:    x.def.Name(),
		PipelineVersion: x.def.Version(),
		TenantID:        x.tenantID,
		Status:          models.ExecutionStatusRunning,
		StartedAt:       x.submitted,
	}
	snap.Steps, snap.TotalCost = finishedSteps(o.events.Events(id))
	return snap, nil
}

// finishedSteps rebuilds the outcomes of the steps a running execution
// has finished from its event log, in finishing order. Attempts are only
// available on the terminal record.
func finishedSteps(evs []events.Event) ([]models.StepOutcome, decimal.Decimal) {
	var steps []models.StepOutcome
	costs := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, e := range evs {
		switch e.Type {
		case events.TypeCostIncurred:
			costs[e.Step] = costs[e.Step].Add(e.Cost)
			total = total.Add(e.Cost)
		case events.TypeStepCompleted, events.TypeStepFailed, events.TypeStepSkipped:
			out := models.StepOutcome{
				Step:       e.Step,
				Capability: e.Capability,
				Status:     models.StepStatus(e.Status),
				ProviderID: e.ProviderID,
				Cost:       costs[e.Step],
			}
			if e.Type == events.TypeStepFailed {
				out.FailureReason = models.FailureReason(e.Message)
				out.Error = e.Error
			}
			steps = append(steps, out)
		}
	}
	return steps, total
}

func (o *Orchestrator) load(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	if o.loader == nil {
		return nil, notFound(id)
	}
	rec, err := o.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, notFound(id)
	}
	return rec, nil
}

// SubscribeEvents streams execution id's events: a replay of its history
// followed by live events, closed after the terminal event.
func (o *Orchestrator) SubscribeEvents(ctx context.Context, id string) (<-chan events.Event, error) {
	o.mu.RLock()
	_, known := o.runs[id]
	o.mu.RUnlock()
	if !known {
		history, err := o.events.History(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			return nil, notFound(id)
		}
	}
	return o.events.Subscribe(ctx, id)
}

// Active returns the number of in-flight executions.
func (o *Orchestrator) Active() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

// Shutdown stops admitting executions, asks every in-flight execution to
// cancel, and waits for them to finish. If ctx ends first, in-flight runs
// are interrupted and Shutdown still waits for their compensation.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	inflight := make([]*execution, 0, o.active)
	for _, x := range o.runs {
		if !x.isDone() {
			inflight = append(inflight, x)
		}
	}
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "orchestrator: shutting down", "in_flight", len(inflight))
	for _, x := range inflight {
		x.requestCancel()
	}

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		for _, x := range inflight {
			x.stop()
		}
		<-drained
		return sserr.Wrap(ctx.Err(), sserr.CodeTimeout, "orchestrator: shutdown deadline exceeded")
	}
}

func notFound(id string) error {
	return sserr.Newf(sserr.CodeNotFoundExecution, "orchestrator: execution %q not found", id).
		WithDetail("execution_id", id)
}

func metadataFrom(ctx context.Context) map[string]any {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil {
		return nil
	}
	return map[string]any{
		"submitted_by":      identity.ID(),
		"submitted_by_type": identity.Type().String(),
	}
}
