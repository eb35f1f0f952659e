package persistence

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

// Pool is the subset of a pgx pool used by [PostgresRepository]. It is
// satisfied by [*pgxpool.Pool] and pgxmock pools.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Pool = (*pgxpool.Pool)(nil)

const (
	createExecutionsTableSQL = `CREATE TABLE IF NOT EXISTS executions (
	id               TEXT        PRIMARY KEY,
	tenant_id        TEXT        NOT NULL,
	pipeline_name    TEXT        NOT NULL,
	pipeline_version TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	total_cost       NUMERIC     NOT NULL DEFAULT 0,
	record           JSONB       NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	createExecutionsIndexSQL = `CREATE INDEX IF NOT EXISTS executions_tenant_started_idx
ON executions (tenant_id, started_at DESC)`

	createEventsTableSQL = `CREATE TABLE IF NOT EXISTS execution_events (
	execution_id TEXT        NOT NULL,
	seq          BIGINT      NOT NULL,
	type         TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (execution_id, seq)
)`

	upsertExecutionSQL = `INSERT INTO executions
	(id, tenant_id, pipeline_name, pipeline_version, status, total_cost, record, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	total_cost = EXCLUDED.total_cost,
	record = EXCLUDED.record,
	ended_at = EXCLUDED.ended_at,
	updated_at = now()`

	selectExecutionSQL = `SELECT record FROM executions WHERE id = $1`

	listExecutionsSQL = `SELECT record FROM executions WHERE tenant_id = $1
ORDER BY started_at DESC LIMIT $2`

	insertEventSQL = `INSERT INTO execution_events (execution_id, seq, type, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (execution_id, seq) DO NOTHING`

	selectEventsSQL = `SELECT payload FROM execution_events WHERE execution_id = $1 ORDER BY seq`

	deleteEventsSQL = `DELETE FROM execution_events WHERE execution_id = $1`
)

// defaultListLimit caps ListByTenant when no limit is given.
const defaultListLimit = 100

// PostgresRepository keeps execution records in the executions table as
// JSONB documents, with the queryable fields lifted into columns, and event
// logs in execution_events.
type PostgresRepository struct {
	db     Pool
	tracer trace.Tracer
}

// PostgresOption configures a [PostgresRepository].
type PostgresOption func(*PostgresRepository)

// WithTracer sets the tracer used for query spans.
func WithTracer(t trace.Tracer) PostgresOption {
	return func(r *PostgresRepository) { r.tracer = t }
}

// NewPostgresRepository creates a PostgresRepository over db.
func NewPostgresRepository(db Pool, opts ...PostgresOption) *PostgresRepository {
	r := &PostgresRepository{db: db, tracer: otel.Tracer(tracerName)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates the executions and execution_events tables if they do
// not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range []string{createExecutionsTableSQL, createExecutionsIndexSQL, createEventsTableSQL} {
		sctx, span := r.startSpan(ctx, "Migrate", stmt)
		_, err := r.db.Exec(sctx, stmt)
		finishSpan(span, err)
		if err != nil {
			return wrapDBError(err, "persistence: migrate failed")
		}
	}
	return nil
}

// Save upserts rec. Saving the same id again replaces the stored record.
func (r *PostgresRepository) Save(ctx context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return sserr.New(sserr.CodeValidationRequired, "persistence: record id is required")
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "persistence: encode record failed")
	}
	ctx, span := r.startSpan(ctx, "Save", upsertExecutionSQL)
	span.SetAttributes(attribute.String("execution.id", rec.ID))
	_, err = r.db.Exec(ctx, upsertExecutionSQL,
		rec.ID, rec.TenantID, rec.PipelineName, rec.PipelineVersion,
		string(rec.Status), rec.TotalCost, doc, rec.StartedAt, rec.EndedAt,
	)
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "persistence: save execution failed")
	}
	return nil
}

// Load implements orchestrator.RecordLoader.
func (r *PostgresRepository) Load(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	ctx, span := r.startSpan(ctx, "Load", selectExecutionSQL)
	var doc []byte
	err := r.db.QueryRow(ctx, selectExecutionSQL, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		finishSpan(span, nil)
		return nil, notFound(id)
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapDBError(err, "persistence: load execution failed")
	}
	return decodeRecord(doc)
}

// ListByTenant returns up to limit of the tenant's records, most recent
// first. A non-positive limit uses a default of 100.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	ctx, span := r.startSpan(ctx, "ListByTenant", listExecutionsSQL)
	rows, err := r.db.Query(ctx, listExecutionsSQL, tenantID, limit)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapDBError(err, "persistence: list executions failed")
	}
	defer rows.Close()

	var out []*models.ExecutionRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			finishSpan(span, err)
			return nil, wrapDBError(err, "persistence: scan execution failed")
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			finishSpan(span, err)
			return nil, err
		}
		out = append(out, rec)
	}
	err = rows.Err()
	finishSpan(span, err)
	if err != nil {
		return nil, wrapDBError(err, "persistence: list executions failed")
	}
	return out, nil
}

// AppendEvent implements events.Persister. Appending a sequence number
// already stored is a no-op.
func (r *PostgresRepository) AppendEvent(ctx context.Context, e events.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "persistence: encode event failed")
	}
	ctx, span := r.startSpan(ctx, "AppendEvent", insertEventSQL)
	_, err = r.db.Exec(ctx, insertEventSQL, e.ExecutionID, int64(e.Seq), string(e.Type), payload, e.Timestamp)
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "persistence: append event failed")
	}
	return nil
}

// LoadEvents implements events.Persister.
func (r *PostgresRepository) LoadEvents(ctx context.Context, executionID string) ([]events.Event, error) {
	ctx, span := r.startSpan(ctx, "LoadEvents", selectEventsSQL)
	rows, err := r.db.Query(ctx, selectEventsSQL, executionID)
	if err != nil {
		finishSpan(span, err)
		return nil, wrapDBError(err, "persistence: load events failed")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			finishSpan(span, err)
			return nil, wrapDBError(err, "persistence: scan event failed")
		}
		var e events.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			finishSpan(span, err)
			return nil, sserr.Wrap(err, sserr.CodeInternalStorage, "persistence: decode event failed")
		}
		out = append(out, e)
	}
	err = rows.Err()
	finishSpan(span, err)
	if err != nil {
		return nil, wrapDBError(err, "persistence: load events failed")
	}
	return out, nil
}

// DeleteEvents implements events.Deleter.
func (r *PostgresRepository) DeleteEvents(ctx context.Context, executionID string) error {
	ctx, span := r.startSpan(ctx, "DeleteEvents", deleteEventsSQL)
	_, err := r.db.Exec(ctx, deleteEventsSQL, executionID)
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "persistence: delete events failed")
	}
	return nil
}

func decodeRecord(doc []byte) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalStorage, "persistence: decode record failed")
	}
	return &rec, nil
}

func (r *PostgresRepository) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", statement),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func wrapDBError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
