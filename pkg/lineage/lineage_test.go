package lineage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

type recordingWriter struct {
	calls []map[string]any
	err   error
}

func (w *recordingWriter) Write(_ context.Context, cypher string, params map[string]any) error {
	w.calls = append(w.calls, params)
	return w.err
}

func failedRecord(t *testing.T) *models.ExecutionRecord {
	t.Helper()
	rec, err := models.NewExecutionRecordWithID("exec-1", "meeting-notes", "1.0.0", "acme")
	require.NoError(t, err)
	require.NoError(t, rec.Transition(models.ExecutionStatusRunning, time.Now()))
	rec.Steps = []models.StepOutcome{
		{
			Step: "transcribe", Capability: "transcription", Status: models.StepStatusSucceeded,
			ProviderID: "whisper", Cost: decimal.RequireFromString("0.10"),
			Attempts: []models.ProviderAttempt{
				{ProviderID: "deepgram", Attempt: 1, Status: models.AttemptStatusFailedRetryable},
				{ProviderID: "deepgram", Attempt: 2, Status: models.AttemptStatusFailedRetryable},
				{ProviderID: "whisper", Attempt: 1, Status: models.AttemptStatusSucceeded},
			},
		},
		{
			Step: "summarize", Capability: "summarization", Status: models.StepStatusFailed,
			DeniedProviders: []string{"summarizer-a"},
		},
	}
	rec.FailureReason = models.FailureBudgetExceeded
	rec.FailedStep = "summarize"
	rec.TotalCost = decimal.RequireFromString("0.10")
	require.NoError(t, rec.Transition(models.ExecutionStatusFailed, time.Now()))
	return rec
}

// ===========================================================================
// Params
// ===========================================================================

func TestParams(t *testing.T) {
	t.Parallel()
	rec := failedRecord(t)
	p := Params(rec)

	assert.Equal(t, "exec-1", p["id"])
	assert.Equal(t, "meeting-notes", p["pipeline"])
	assert.Equal(t, "failed", p["status"])
	assert.Equal(t, "budget_exceeded", p["failure_reason"])
	assert.Equal(t, "0.1", p["total_cost"])
	assert.Equal(t, *rec.EndedAt, p["ended_at"])

	steps := p["steps"].([]any)
	require.Len(t, steps, 2)

	transcribe := steps[0].(map[string]any)
	assert.Equal(t, "transcription", transcribe["capability"])
	assert.Equal(t, []any{
		map[string]any{"id": "deepgram", "attempts": int64(2), "selected": false},
		map[string]any{"id": "whisper", "attempts": int64(1), "selected": true},
	}, transcribe["providers"])

	summarize := steps[1].(map[string]any)
	assert.Equal(t, []any{"summarizer-a"}, summarize["denied"])
	assert.Empty(t, summarize["providers"])
}

func TestParams_RunningRecordHasNoEnd(t *testing.T) {
	t.Parallel()
	rec, err := models.NewExecutionRecordWithID("exec-2", "p", "1", "acme")
	require.NoError(t, err)
	assert.Nil(t, Params(rec)["ended_at"])
}

// ===========================================================================
// Exporter
// ===========================================================================

func TestExporter_Save(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	require.NoError(t, NewExporter(w).Save(context.Background(), failedRecord(t)))
	require.Len(t, w.calls, 1)
	assert.Equal(t, "exec-1", w.calls[0]["id"])
}

func TestExporter_SkipsNonTerminal(t *testing.T) {
	t.Parallel()
	w := &recordingWriter{}
	rec, err := models.NewExecutionRecordWithID("exec-2", "p", "1", "acme")
	require.NoError(t, err)

	exp := NewExporter(w)
	require.NoError(t, exp.Save(context.Background(), rec))
	require.NoError(t, exp.Save(context.Background(), nil))
	assert.Empty(t, w.calls)
}

func TestExporter_WrapsErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code sserr.Code
	}{
		{"generic", errors.New("Neo.ClientError.Security.Unauthorized"), sserr.CodeInternalDatabase},
		{"deadline", context.DeadlineExceeded, sserr.CodeTimeoutDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewExporter(&recordingWriter{err: tt.err}).Save(context.Background(), failedRecord(t))
			assert.Equal(t, tt.code, sserr.GetCode(err))
		})
	}
}

func TestExporter_WriterFunc(t *testing.T) {
	t.Parallel()
	var cypher string
	w := WriterFunc(func(_ context.Context, q string, _ map[string]any) error {
		cypher = q
		return nil
	})
	require.NoError(t, NewExporter(w).Save(context.Background(), failedRecord(t)))
	assert.Contains(t, cypher, "MERGE (e)-[:RAN]->(p)")
	assert.Contains(t, cypher, "MERGE (e)-[:HAS_STEP]->(s)")
	assert.Contains(t, cypher, "MERGE (s)-[u:USED]->(pr)")
}

func TestExporter_Span(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	exp := NewExporter(&recordingWriter{}, WithTracer(tp.Tracer("test")))
	require.NoError(t, exp.Save(context.Background(), failedRecord(t)))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "neo4j.SaveExecution", spans[0].Name)
}

func TestConfig_Enabled(t *testing.T) {
	t.Parallel()
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{URI: "neo4j://localhost:7687"}.Enabled())
}
