// Package lineage exports finished executions to a Neo4j graph:
//
//	(:Execution)-[:RAN]->(:Pipeline)
//	(:Execution)-[:HAS_STEP]->(:StepRun)
//	(:StepRun)-[:USED {attempts, selected}]->(:Provider)
//
// An [Exporter] is an orchestrator record sink. Writes are idempotent
// MERGEs, so re-exporting a record updates it in place.
package lineage

import (
	"context"
	"errors"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/lineage"

// saveExecutionCypher writes one execution and its steps. The trailing
// UNWINDs produce no rows for records without steps or attempts, which
// leaves the execution and pipeline nodes in place.
const saveExecutionCypher = `MERGE (p:Pipeline {name: $pipeline, version: $version})
MERGE (e:Execution {id: $id})
SET e.tenant = $tenant,
    e.status = $status,
    e.failure_reason = $failure_reason,
    e.failed_step = $failed_step,
    e.total_cost = $total_cost,
    e.started_at = $started_at,
    e.ended_at = $ended_at
MERGE (e)-[:RAN]->(p)
WITH e
UNWIND $steps AS step
MERGE (s:StepRun {execution_id: $id, name: step.name})
SET s.capability = step.capability,
    s.status = step.status,
    s.cost = step.cost,
    s.latency_ms = step.latency_ms,
    s.denied = step.denied
MERGE (e)-[:HAS_STEP]->(s)
WITH s, step
UNWIND step.providers AS used
MERGE (pr:Provider {id: used.id})
MERGE (s)-[u:USED]->(pr)
SET u.attempts = used.attempts, u.selected = used.selected`

// Writer runs one write query. It is satisfied by [DriverWriter] and test
// fakes.
type Writer interface {
	Write(ctx context.Context, cypher string, params map[string]any) error
}

// WriterFunc adapts a function to [Writer].
type WriterFunc func(ctx context.Context, cypher string, params map[string]any) error

// Write implements [Writer].
func (f WriterFunc) Write(ctx context.Context, cypher string, params map[string]any) error {
	return f(ctx, cypher, params)
}

// DriverWriter writes through neo4j.ExecuteQuery against one database.
type DriverWriter struct {
	Driver   neo4j.DriverWithContext
	Database string
}

// Write implements [Writer].
func (w DriverWriter) Write(ctx context.Context, cypher string, params map[string]any) error {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithWritersRouting()}
	if w.Database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(w.Database))
	}
	_, err := neo4j.ExecuteQuery(ctx, w.Driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	return err
}

var (
	_ Writer                  = DriverWriter{}
	_ orchestrator.RecordSink = (*Exporter)(nil)
)

// Exporter writes terminal execution records to the lineage graph.
type Exporter struct {
	writer Writer
	tracer trace.Tracer
}

// Option configures an [Exporter].
type Option func(*Exporter)

// WithTracer sets the tracer used for export spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Exporter) { e.tracer = t }
}

// NewExporter creates an Exporter over w.
func NewExporter(w Writer, opts ...Option) *Exporter {
	e := &Exporter{writer: w, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Save implements orchestrator.RecordSink. Records that are not terminal
// are ignored.
func (e *Exporter) Save(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || !rec.IsTerminal() {
		return nil
	}
	ctx, span := e.tracer.Start(ctx, "neo4j.SaveExecution",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "neo4j"),
			attribute.String("execution.id", rec.ID),
			attribute.Int("lineage.steps", len(rec.Steps)),
		),
	)
	err := e.writer.Write(ctx, saveExecutionCypher, Params(rec))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	if err != nil {
		return wrapError(err, "lineage: export execution failed")
	}
	return nil
}

// Params returns the query parameters for rec.
func Params(rec *models.ExecutionRecord) map[string]any {
	var ended any
	if rec.EndedAt != nil {
		ended = *rec.EndedAt
	}
	steps := make([]any, 0, len(rec.Steps))
	for _, s := range rec.Steps {
		steps = append(steps, map[string]any{
			"name":       s.Step,
			"capability": string(s.Capability),
			"status":     string(s.Status),
			"cost":       s.Cost.String(),
			"latency_ms": s.Latency.Milliseconds(),
			"denied":     toAnySlice(s.DeniedProviders),
			"providers":  providersUsed(s),
		})
	}
	return map[string]any{
		"id":             rec.ID,
		"pipeline":       rec.PipelineName,
		"version":        rec.PipelineVersion,
		"tenant":         rec.TenantID,
		"status":         string(rec.Status),
		"failure_reason": string(rec.FailureReason),
		"failed_step":    rec.FailedStep,
		"total_cost":     rec.TotalCost.String(),
		"started_at":     rec.StartedAt,
		"ended_at":       ended,
		"steps":          steps,
	}
}

// providersUsed lists each invoked provider once, in first-attempt order.
func providersUsed(s models.StepOutcome) []any {
	var order []string
	counts := make(map[string]int64)
	for _, a := range s.Attempts {
		if _, seen := counts[a.ProviderID]; !seen {
			order = append(order, a.ProviderID)
		}
		counts[a.ProviderID]++
	}
	out := make([]any, 0, len(order))
	for _, id := range order {
		out = append(out, map[string]any{
			"id":       id,
			"attempts": counts[id],
			"selected": id == s.ProviderID,
		})
	}
	return out
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func wrapError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}

// Config configures the Neo4j connection. An empty URI disables lineage.
type Config struct {
	URI                   string             `env:"URI" yaml:"uri" json:"uri"`
	Username              string             `env:"USERNAME" envDefault:"neo4j" yaml:"username" json:"username"`
	Password              persistence.Secret `env:"PASSWORD" yaml:"password" json:"password"`
	Database              string             `env:"DATABASE" yaml:"database" json:"database"`
	MaxConnectionPoolSize int                `env:"MAX_POOL_SIZE" envDefault:"50" yaml:"max_pool_size" json:"max_pool_size"`
	ConnectTimeout        time.Duration      `env:"CONNECT_TIMEOUT" envDefault:"5s" yaml:"connect_timeout" json:"connect_timeout"`
}

// Enabled reports whether a URI is set.
func (c Config) Enabled() bool { return c.URI != "" }

// Connect creates a driver and verifies connectivity. The caller closes
// the driver.
func Connect(ctx context.Context, cfg Config) (neo4j.DriverWithContext, error) {
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password.Value(), "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *config.Config) {
		if cfg.MaxConnectionPoolSize > 0 {
			c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
		}
		if cfg.ConnectTimeout > 0 {
			c.SocketConnectTimeout = cfg.ConnectTimeout
		}
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "lineage: failed to create neo4j driver")
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "lineage: failed to connect to neo4j")
	}
	return driver, nil
}
