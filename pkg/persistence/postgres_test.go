package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

// ===========================================================================
// Schema
// ===========================================================================

func TestPostgresRepository_Migrate(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS executions").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS executions_tenant_started_idx").
		WillReturnResult(pgxmock.NewResult("CREATE INDEX", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS execution_events").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, NewPostgresRepository(mock).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_MigrateStopsOnError(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS executions").
		WillReturnError(errors.New("permission denied"))

	err := NewPostgresRepository(mock).Migrate(context.Background())
	assert.Equal(t, sserr.CodeInternalDatabase, sserr.GetCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Records
// ===========================================================================

func TestPostgresRepository_Save(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	rec := finishedRecord(t, "exec-1", "acme")
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE SET")).
		WithArgs("exec-1", "acme", "meeting-notes", "1.0.0", "succeeded",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewPostgresRepository(mock).Save(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_SaveTimeout(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectExec("INSERT INTO executions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(context.DeadlineExceeded)

	err := NewPostgresRepository(mock).Save(context.Background(), finishedRecord(t, "exec-1", "acme"))
	assert.Equal(t, sserr.CodeTimeoutDatabase, sserr.GetCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_Load(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	doc, err := json.Marshal(finishedRecord(t, "exec-1", "acme"))
	require.NoError(t, err)
	mock.ExpectQuery("SELECT record FROM executions WHERE id").
		WithArgs("exec-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(doc))

	got, err := NewPostgresRepository(mock).Load(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ID)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "0.35", got.TotalCost.String())
	assert.Equal(t, "summary text", got.Output)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_LoadNotFound(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectQuery("SELECT record FROM executions").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewPostgresRepository(mock).Load(context.Background(), "missing")
	assert.Equal(t, sserr.CodeNotFoundExecution, sserr.GetCode(err))
}

func TestPostgresRepository_LoadCorruptRecord(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectQuery("SELECT record FROM executions").
		WithArgs("exec-1").
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow([]byte("{not json")))

	_, err := NewPostgresRepository(mock).Load(context.Background(), "exec-1")
	assert.Equal(t, sserr.CodeInternalStorage, sserr.GetCode(err))
}

func TestPostgresRepository_ListByTenant(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	rows := pgxmock.NewRows([]string{"record"})
	for _, id := range []string{"b", "a"} {
		doc, err := json.Marshal(finishedRecord(t, id, "acme"))
		require.NoError(t, err)
		rows.AddRow(doc)
	}
	mock.ExpectQuery("SELECT record FROM executions WHERE tenant_id").
		WithArgs("acme", defaultListLimit).
		WillReturnRows(rows)

	got, err := NewPostgresRepository(mock).ListByTenant(context.Background(), "acme", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Events
// ===========================================================================

func TestPostgresRepository_AppendEvent(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	at := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (execution_id, seq) DO NOTHING")).
		WithArgs("exec-1", int64(4), "step.completed", pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := NewPostgresRepository(mock).AppendEvent(context.Background(), events.Event{
		Seq: 4, ExecutionID: "exec-1", Type: events.TypeStepCompleted, Timestamp: at, Step: "transcribe",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_LoadEvents(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	rows := pgxmock.NewRows([]string{"payload"})
	for i, typ := range []events.Type{events.TypeExecutionStarted, events.TypeStepStarted} {
		payload, err := json.Marshal(events.Event{Seq: uint64(i + 1), ExecutionID: "exec-1", Type: typ})
		require.NoError(t, err)
		rows.AddRow(payload)
	}
	mock.ExpectQuery("SELECT payload FROM execution_events").
		WithArgs("exec-1").
		WillReturnRows(rows)

	got, err := NewPostgresRepository(mock).LoadEvents(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.TypeStepStarted, got[1].Type)
	assert.Equal(t, uint64(2), got[1].Seq)
}

func TestPostgresRepository_LoadEventsQueryError(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectQuery("SELECT payload FROM execution_events").
		WithArgs("exec-1").
		WillReturnError(errors.New("connection reset"))

	_, err := NewPostgresRepository(mock).LoadEvents(context.Background(), "exec-1")
	assert.Equal(t, sserr.CodeInternalDatabase, sserr.GetCode(err))
}

func TestPostgresRepository_DeleteEvents(t *testing.T) {
	t.Parallel()
	mock := newMockPool(t)
	mock.ExpectExec("DELETE FROM execution_events").
		WithArgs("exec-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, NewPostgresRepository(mock).DeleteEvents(context.Background(), "exec-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Tracing
// ===========================================================================

func TestPostgresRepository_Spans(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	mock := newMockPool(t)
	mock.ExpectExec("DELETE FROM execution_events").
		WithArgs("exec-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	repo := NewPostgresRepository(mock, WithTracer(tp.Tracer("test")))
	require.NoError(t, repo.DeleteEvents(context.Background(), "exec-1"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "postgres.DeleteEvents", spans[0].Name)
	var system string
	for _, kv := range spans[0].Attributes {
		if kv.Key == "db.system" {
			system = kv.Value.AsString()
		}
	}
	assert.Equal(t, "postgresql", system)
}
