package saga

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-pipelines/internal/testutil"
	"github.com/StricklySoft/stricklysoft-pipelines/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// ===========================================================================
// Harness
// ===========================================================================

type harness struct {
	registry *capability.Registry
	events   *events.Store
	spend    *budget.MemoryStore
	budget   *budget.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	spend := budget.NewMemoryStore()
	return &harness{
		registry: capability.NewRegistry(),
		events:   events.NewStore(),
		spend:    spend,
		budget:   budget.NewService(spend),
	}
}

func (h *harness) register(t *testing.T, id string, tier int, adapter capability.Adapter, caps ...capability.Capability) {
	t.Helper()
	require.NoError(t, h.registry.Register(capability.Registration{
		ProviderID:   id,
		Capabilities: caps,
		QualityTier:  tier,
		CostModel:    capability.MustCostModel(capability.PerRequest, "0.01"),
		Adapter:      adapter,
	}))
}

func (h *harness) coordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	base := []Option{
		WithSleeper(testutil.NoSleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	c, err := NewCoordinator(h.registry, h.events, h.budget, append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func attempts(n int) pipeline.StepOption {
	return pipeline.WithRetry(pipeline.RetryPolicy{MaxAttempts: n, Timeout: 2 * time.Second})
}

func mustBuild(t *testing.T, b *pipeline.Builder) *pipeline.Definition {
	t.Helper()
	def, err := b.Build()
	require.NoError(t, err)
	return def
}

func transcribeRedact(t *testing.T, transcribe ...pipeline.StepOption) *pipeline.Definition {
	t.Helper()
	return mustBuild(t, pipeline.NewBuilder("transcribe-redact", "1.0.0").
		WithResultBinding("redacted").
		AddStep("transcribe", capability.Transcription, append([]pipeline.StepOption{pipeline.WithOutput("transcript")}, transcribe...)...).
		AddStep("redact", capability.PIIRedaction, pipeline.WithInputs("transcript"), pipeline.WithOutput("redacted"), attempts(1)))
}

// ===========================================================================
// Construction
// ===========================================================================

func TestNewCoordinator_RequiresResolverAndAppender(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := NewCoordinator(nil, h.events, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(h.registry, nil, nil)
	assert.Error(t, err)

	c, err := NewCoordinator(h.registry, h.events, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestRun_NilPipelineYieldsFailedRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.coordinator(t)

	rec := c.Run(context.Background(), Run{ExecutionID: "exec-nil", TenantID: fixtures.TenantID})
	require.NotNil(t, rec)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)
	assert.NotNil(t, rec.EndedAt)
}

// ===========================================================================
// Routing scenarios
// ===========================================================================

func TestRun_RetriesOnSameProviderBeforeFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	primary := testutil.NewScriptedAdapter(
		testutil.FailTransient("busy"),
		testutil.FailTransient("busy"),
		testutil.Succeed("hello world", "0.30"),
	)
	secondary := testutil.NewScriptedAdapter(testutil.Succeed("fallback", "0.10"))
	redactor := testutil.NewScriptedAdapter(testutil.Succeed("hello [name]", "0.05"))
	h.register(t, "A", 2, primary, capability.Transcription)
	h.register(t, "B", 1, secondary, capability.Transcription)
	h.register(t, fixtures.ProviderRedactor, 1, redactor, capability.PIIRedaction)

	rec := h.coordinator(t).Run(context.Background(), Run{
		TenantID: fixtures.TenantID,
		Pipeline: transcribeRedact(t, attempts(3)),
		Input:    []byte("audio"),
	})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status, rec.ErrorMessage)
	transcribe, ok := rec.Outcome("transcribe")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusSucceeded, transcribe.Status)
	assert.Equal(t, "A", transcribe.ProviderID)
	assert.Equal(t, 3, transcribe.AttemptCount())
	assert.Equal(t, 3, transcribe.AttemptsFor("A"))
	assert.Equal(t, 0, secondary.Calls())
	assert.Equal(t, "hello [name]", rec.Output)
	assert.True(t, rec.TotalCost.Equal(decimal.RequireFromString("0.35")), rec.TotalCost.String())
	assert.Equal(t, "hello world", redactor.Requests()[0].Input)
}

func TestRun_FallsBackWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	primary := testutil.NewScriptedAdapter(
		testutil.FailTransient("busy"),
		testutil.FailTransient("busy"),
		testutil.Succeed("never", "0"),
	)
	secondary := testutil.NewScriptedAdapter(testutil.Succeed("from B", "0.10"))
	h.register(t, "A", 2, primary, capability.Transcription)
	h.register(t, "B", 1, secondary, capability.Transcription)
	h.register(t, fixtures.ProviderRedactor, 1, testutil.NewScriptedAdapter(testutil.Succeed("ok", "0")), capability.PIIRedaction)

	rec := h.coordinator(t).Run(context.Background(), Run{
		TenantID: fixtures.TenantID,
		Pipeline: transcribeRedact(t, attempts(2)),
	})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status, rec.ErrorMessage)
	transcribe, _ := rec.Outcome("transcribe")
	assert.Equal(t, "B", transcribe.ProviderID)
	assert.Equal(t, 2, transcribe.AttemptsFor("A"))
	assert.Equal(t, 1, transcribe.AttemptsFor("B"))
	assert.Equal(t, 3, transcribe.AttemptCount())
	assert.Equal(t, models.AttemptStatusFailedRetryable, transcribe.Attempts[1].Status)
	assert.Equal(t, 2, primary.Calls())
}

func TestRun_ReportsProviderGivenUpBeforeFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, "A", 2, testutil.NewScriptedAdapter(testutil.FailTransient("busy")), capability.Transcription)
	h.register(t, "B", 1, testutil.NewScriptedAdapter(testutil.Succeed("from B", "0.10")), capability.Transcription)
	h.register(t, fixtures.ProviderRedactor, 1, testutil.NewScriptedAdapter(testutil.Succeed("ok", "0")), capability.PIIRedaction)

	rec := h.coordinator(t).Run(context.Background(), Run{
		ExecutionID: "exec-fallback",
		TenantID:    fixtures.TenantID,
		Pipeline:    transcribeRedact(t, attempts(2)),
	})
	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status, rec.ErrorMessage)

	evs := h.events.Events("exec-fallback")
	failedAt, costAt := -1, -1
	for i, e := range evs {
		switch {
		case e.Type == events.TypeProviderFailed && e.ProviderID == "A":
			failedAt = i
			assert.Equal(t, "transcribe", e.Step)
			assert.Equal(t, 2, e.Attempt)
			assert.Equal(t, "retries_exhausted", e.Message)
			assert.Equal(t, "B", e.Data["next_provider"])
			assert.Equal(t, "PROV_001", e.Data["code"])
		case e.Type == events.TypeCostIncurred && e.Step == "transcribe":
			costAt = i
			assert.Equal(t, "B", e.ProviderID)
		}
	}
	require.NotEqual(t, -1, failedAt, "no step.provider_failed event for A")
	require.NotEqual(t, -1, costAt, "no cost.incurred event for transcribe")
	assert.Less(t, failedAt, costAt)
}

func TestRun_ReportsBudgetDeniedProviders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.budget.SetLimit(fixtures.TenantID, budget.MustLimit("0.50", budget.PolicyHardBlock)))
	h.register(t, "A", 2, testutil.NewScriptedAdapter(testutil.Succeed("text", "0.60")).WithEstimate("0.60"), capability.Transcription)
	h.register(t, "B", 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0.60")).WithEstimate("0.60"), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("transcribe", "1.0.0").AddStep("transcribe", capability.Transcription))
	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-denied", TenantID: fixtures.TenantID, Pipeline: def})
	assert.Equal(t, models.FailureBudgetExceeded, rec.FailureReason)

	failed := testutil.FilterEvents(h.events.Events("exec-denied"), events.TypeProviderFailed)
	require.Len(t, failed, 2)
	assert.Equal(t, "A", failed[0].ProviderID)
	assert.Equal(t, "B", failed[0].Data["next_provider"])
	assert.Equal(t, "B", failed[1].ProviderID)
	assert.Equal(t, "", failed[1].Data["next_provider"])
	for _, e := range failed {
		assert.Equal(t, string(models.FailureBudgetExceeded), e.Message)
		assert.Equal(t, "BUDGET_001", e.Data["code"])
		assert.Equal(t, 0, e.Attempt)
	}
}

func TestRun_MandatoryFailureCompensatesCompletedSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var log testutil.CompensationLog
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0.20")), capability.Transcription)
	h.register(t, fixtures.ProviderRedactor, 1, testutil.NewScriptedAdapter(testutil.FailPermanent("bad request")), capability.PIIRedaction)

	def := mustBuild(t, pipeline.NewBuilder("transcribe-redact", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript"), pipeline.WithCompensation(log.Compensator(nil))).
		AddStep("redact", capability.PIIRedaction, pipeline.WithInputs("transcript"), attempts(3)))

	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-c", TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, models.FailureProvidersExhausted, rec.FailureReason)
	assert.Equal(t, "redact", rec.FailedStep)
	redact, _ := rec.Outcome("redact")
	assert.Equal(t, models.StepStatusFailed, redact.Status)
	assert.Equal(t, 1, redact.AttemptCount(), "permanent errors are not retried")
	assert.Equal(t, models.AttemptStatusFailedTerminal, redact.Attempts[0].Status)

	require.Len(t, rec.Compensations, 1)
	assert.Equal(t, "transcribe", rec.Compensations[0].Step)
	assert.Equal(t, models.CompensationStatusCompleted, rec.Compensations[0].Status)
	calls := log.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "exec-c", calls[0].ExecutionID)
	assert.Equal(t, fixtures.ProviderWhisper, calls[0].ProviderID)
	assert.Equal(t, "text", calls[0].Output)
	assert.True(t, rec.TotalCost.Equal(decimal.RequireFromString("0.20")))
}

func TestRun_NoProviderRegistered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0")), capability.Transcription)

	rec := h.coordinator(t).Run(context.Background(), Run{
		TenantID: fixtures.TenantID,
		Pipeline: transcribeRedact(t),
	})

	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, models.FailureNoProviderAvailable, rec.FailureReason)
	redact, _ := rec.Outcome("redact")
	assert.Empty(t, redact.Attempts)
	assert.Empty(t, rec.Compensations, "no compensator declared")
}

func TestRun_BudgetDeniesSecondStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.budget.SetLimit(fixtures.TenantID, budget.MustLimit("1.00", budget.PolicyHardBlock)))
	transcriber := testutil.NewScriptedAdapter(testutil.Succeed("text", "0.60")).WithEstimate("0.60")
	redA := testutil.NewScriptedAdapter(testutil.Succeed("r", "0.60")).WithEstimate("0.60")
	redB := testutil.NewScriptedAdapter(testutil.Succeed("r", "0.60")).WithEstimate("0.60")
	h.register(t, fixtures.ProviderWhisper, 1, transcriber, capability.Transcription)
	h.register(t, "redact-a", 2, redA, capability.PIIRedaction)
	h.register(t, "redact-b", 1, redB, capability.PIIRedaction)

	rec := h.coordinator(t).Run(context.Background(), Run{
		TenantID: fixtures.TenantID,
		Pipeline: transcribeRedact(t),
	})

	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, models.FailureBudgetExceeded, rec.FailureReason)
	redact, _ := rec.Outcome("redact")
	assert.Equal(t, []string{"redact-a", "redact-b"}, redact.DeniedProviders)
	assert.Empty(t, redact.Attempts)
	assert.Equal(t, 0, redA.Calls())
	assert.Equal(t, 0, redB.Calls())

	spent, err := h.budget.Spend(context.Background(), fixtures.TenantID)
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.RequireFromString("0.60")), spent.String())
}

func TestRun_BudgetDeniedOptionalStepIsIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.budget.SetLimit(fixtures.TenantID, budget.MustLimit("1.00", budget.PolicyHardBlock)))
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0.60")).WithEstimate("0.60"), capability.Transcription)
	h.register(t, fixtures.ProviderTranslator, 1, testutil.NewScriptedAdapter(testutil.Succeed("texte", "0.60")).WithEstimate("0.60"), capability.Translation)

	def := mustBuild(t, pipeline.NewBuilder("transcribe-translate", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript")).
		AddStep("translate", capability.Translation, pipeline.WithInputs("transcript"), pipeline.Optional()))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusPartiallySucceeded, rec.Status)
	translate, _ := rec.Outcome("translate")
	assert.Equal(t, models.StepStatusFailedOptionalIgnored, translate.Status)
	assert.Equal(t, models.FailureBudgetExceeded, translate.FailureReason)
}

func TestRun_WarnPolicyEmitsBudgetWarning(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	require.NoError(t, h.budget.SetLimit(fixtures.TenantID, budget.MustLimit("0.10", budget.PolicyWarn)))
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0.50")).WithEstimate("0.50"), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("transcribe", "1.0.0").AddStep("transcribe", capability.Transcription))
	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-warn", TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	warnings := testutil.FilterEvents(h.events.Events("exec-warn"), events.TypeBudgetWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, fixtures.ProviderWhisper, warnings[0].ProviderID)
}

// ===========================================================================
// Optional steps and preconditions
// ===========================================================================

func TestRun_OptionalFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var log testutil.CompensationLog
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0")), capability.Transcription)
	h.register(t, fixtures.ProviderTranslator, 1, testutil.NewScriptedAdapter(testutil.FailPermanent("unsupported language")), capability.Translation)
	summarizer := testutil.NewScriptedAdapter(testutil.Succeed("summary", "0"))
	h.register(t, fixtures.ProviderSummarizerA, 1, summarizer, capability.Summarization)

	def := mustBuild(t, pipeline.NewBuilder("notes", "1.0.0").
		WithResultBinding("summary").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript"), pipeline.WithCompensation(log.Compensator(nil))).
		AddStep("translate", capability.Translation, pipeline.WithInputs("transcript"), pipeline.WithOutput("translated"), pipeline.Optional()).
		AddStep("summarize", capability.Summarization, pipeline.WithInputs("transcript"), pipeline.WithOutput("summary")))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusPartiallySucceeded, rec.Status)
	assert.Equal(t, models.FailureNone, rec.FailureReason)
	assert.Equal(t, "summary", rec.Output)
	assert.Equal(t, 1, summarizer.Calls())
	assert.Empty(t, log.Steps(), "no compensation when the run does not fail")
	_, present := rec.Outputs["translated"]
	assert.False(t, present)
}

func TestRun_PreconditionSkipsStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("text", "0")), capability.Transcription)
	translator := testutil.NewScriptedAdapter(testutil.Succeed("texte", "0"))
	h.register(t, fixtures.ProviderTranslator, 1, translator, capability.Translation)

	def := mustBuild(t, pipeline.NewBuilder("notes", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript")).
		AddStep("translate", capability.Translation, pipeline.WithInputs("transcript"),
			pipeline.WithPrecondition(func(pipeline.Bindings) bool { return false })))

	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-skip", TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	translate, _ := rec.Outcome("translate")
	assert.Equal(t, models.StepStatusSkipped, translate.Status)
	assert.Equal(t, 0, translator.Calls())
	assert.Len(t, testutil.FilterEvents(h.events.Events("exec-skip"), events.TypeStepSkipped), 1)
}

func TestRun_MissingInputFailsStep(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderTranslator, 1, testutil.NewScriptedAdapter(testutil.FailPermanent("no")), capability.Translation)
	summarizer := testutil.NewScriptedAdapter(testutil.Succeed("summary", "0"))
	h.register(t, fixtures.ProviderSummarizerA, 1, summarizer, capability.Summarization)

	def := mustBuild(t, pipeline.NewBuilder("notes", "1.0.0").
		AddStep("translate", capability.Translation, pipeline.WithOutput("translated"), pipeline.Optional()).
		AddStep("summarize", capability.Summarization, pipeline.WithInputs("translated")))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, models.FailureMissingInput, rec.FailureReason)
	assert.Equal(t, 0, summarizer.Calls())
}

// ===========================================================================
// Compensation
// ===========================================================================

func TestRun_CompensatesInReverseCompletionOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var log testutil.CompensationLog
	boom := errors.New("undo failed")
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("x", "0")),
		capability.Transcription, capability.PIIRedaction, capability.Summarization)
	h.register(t, fixtures.ProviderTranslator, 1, testutil.NewScriptedAdapter(testutil.FailPermanent("down")), capability.Translation)

	def := mustBuild(t, pipeline.NewBuilder("four", "1.0.0").
		AddStep("first", capability.Transcription, pipeline.WithCompensation(log.Compensator(nil))).
		AddStep("second", capability.PIIRedaction, pipeline.WithCompensation(log.Compensator(boom))).
		AddStep("third", capability.Summarization, pipeline.WithCompensation(log.Compensator(nil))).
		AddStep("fourth", capability.Translation, pipeline.WithCompensation(log.Compensator(nil))))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, []string{"third", "second", "first"}, log.Steps())
	require.Len(t, rec.Compensations, 3)
	assert.Equal(t, models.CompensationStatusCompleted, rec.Compensations[0].Status)
	assert.Equal(t, models.CompensationStatusFailed, rec.Compensations[1].Status)
	assert.Contains(t, rec.Compensations[1].Error, "undo failed")
	assert.Equal(t, models.CompensationStatusCompleted, rec.Compensations[2].Status)
	assert.Greater(t, rec.Compensations[0].CompletionSeq, rec.Compensations[1].CompletionSeq)
}

func TestRun_CompensatorPanicIsRecorded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("x", "0")), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("panic", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithCompensation(func(context.Context, pipeline.Compensation) error {
			panic("undo exploded")
		})).
		AddStep("redact", capability.PIIRedaction))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	require.Len(t, rec.Compensations, 1)
	assert.Equal(t, models.CompensationStatusFailed, rec.Compensations[0].Status)
	assert.Contains(t, rec.Compensations[0].Error, "panicked")
}

func TestRun_CompensationTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("x", "0")), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("slow-undo", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithCompensation(func(ctx context.Context, _ pipeline.Compensation) error {
			<-ctx.Done()
			return ctx.Err()
		})).
		AddStep("redact", capability.PIIRedaction))

	rec := h.coordinator(t, WithCompensationTimeout(20*time.Millisecond)).
		Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	require.Len(t, rec.Compensations, 1)
	assert.Equal(t, models.CompensationStatusFailed, rec.Compensations[0].Status)
}

// ===========================================================================
// Cancellation
// ===========================================================================

func TestRun_CancelChannelStopsAtStepBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var log testutil.CompensationLog
	cancel := make(chan struct{})
	h.register(t, fixtures.ProviderWhisper, 1, capability.AdapterFunc{
		Fn: func(context.Context, capability.Request) (capability.Result, error) {
			close(cancel)
			return capability.Result{Output: "text"}, nil
		},
		Cost: capability.MustCostModel(capability.PerRequest, "0"),
	}, capability.Transcription)
	redactor := testutil.NewScriptedAdapter(testutil.Succeed("r", "0"))
	h.register(t, fixtures.ProviderRedactor, 1, redactor, capability.PIIRedaction)

	def := mustBuild(t, pipeline.NewBuilder("cancel", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript"), pipeline.WithCompensation(log.Compensator(nil))).
		AddStep("redact", capability.PIIRedaction, pipeline.WithInputs("transcript")))

	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-cancel", TenantID: fixtures.TenantID, Pipeline: def, Cancel: cancel})

	assert.Equal(t, models.ExecutionStatusCancelled, rec.Status)
	assert.Equal(t, models.FailureCanceled, rec.FailureReason)
	assert.Equal(t, 0, redactor.Calls())
	assert.Equal(t, []string{"transcribe"}, log.Steps())
	evs := h.events.Events("exec-cancel")
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeExecutionCancelled, evs[len(evs)-1].Type)
}

func TestRun_ContextCancelDuringAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.register(t, fixtures.ProviderWhisper, 1, capability.AdapterFunc{
		Fn: func(ctx context.Context, _ capability.Request) (capability.Result, error) {
			cancel()
			<-ctx.Done()
			return capability.Result{}, ctx.Err()
		},
		Cost: capability.MustCostModel(capability.PerRequest, "0"),
	}, capability.Transcription)
	fallback := testutil.NewScriptedAdapter(testutil.Succeed("x", "0"))
	h.register(t, fixtures.ProviderDeepgram, 0, fallback, capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("ctx", "1.0.0").AddStep("transcribe", capability.Transcription))
	rec := h.coordinator(t).Run(ctx, Run{TenantID: fixtures.TenantID, Pipeline: def})

	assert.Equal(t, models.ExecutionStatusCancelled, rec.Status)
	assert.Equal(t, 0, fallback.Calls(), "no fallback after cancellation")
	transcribe, _ := rec.Outcome("transcribe")
	require.Len(t, transcribe.Attempts, 1)
	assert.Equal(t, models.AttemptStatusFailedTerminal, transcribe.Attempts[0].Status)
}

// ===========================================================================
// Attempts
// ===========================================================================

func TestRun_AttemptTimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	slow := testutil.NewScriptedAdapter(testutil.Reply{Delay: time.Second, Output: "late"})
	fast := testutil.NewScriptedAdapter(testutil.Succeed("on time", "0"))
	h.register(t, "slow", 2, slow, capability.Transcription)
	h.register(t, "fast", 1, fast, capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("timeout", "1.0.0").
		AddStep("transcribe", capability.Transcription,
			pipeline.WithRetry(pipeline.RetryPolicy{MaxAttempts: 2, Timeout: 20 * time.Millisecond})))

	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	transcribe, _ := rec.Outcome("transcribe")
	assert.Equal(t, "fast", transcribe.ProviderID)
	assert.Equal(t, 2, transcribe.AttemptsFor("slow"), "timeouts are retried on the same provider")
	assert.Equal(t, models.AttemptStatusFailedRetryable, transcribe.Attempts[0].Status)
	assert.Contains(t, transcribe.Attempts[0].Error, "attempt timeout")
}

func TestRun_AdapterPanicIsPermanent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	panicky := testutil.NewScriptedAdapter(testutil.Reply{Panic: "nil map"})
	h.register(t, "panicky", 2, panicky, capability.Transcription)
	h.register(t, "steady", 1, testutil.NewScriptedAdapter(testutil.Succeed("x", "0")), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("panic", "1.0.0").AddStep("transcribe", capability.Transcription, attempts(3)))
	rec := h.coordinator(t).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	transcribe, _ := rec.Outcome("transcribe")
	assert.Equal(t, "steady", transcribe.ProviderID)
	assert.Equal(t, 1, panicky.Calls())
	assert.Equal(t, models.AttemptStatusFailedTerminal, transcribe.Attempts[0].Status)
	assert.Contains(t, transcribe.Attempts[0].Error, "panicked")
}

func TestRun_BackoffUsesRetryPolicy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleeper := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(
		testutil.FailTransient("1"), testutil.FailTransient("2"), testutil.Succeed("x", "0"),
	), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("backoff", "1.0.0").
		AddStep("transcribe", capability.Transcription, pipeline.WithRetry(pipeline.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     time.Second,
		})))

	rec := h.coordinator(t, WithSleeper(sleeper)).Run(context.Background(), Run{ExecutionID: "exec-backoff", TenantID: fixtures.TenantID, Pipeline: def})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
	retrying := testutil.FilterEvents(h.events.Events("exec-backoff"), events.TypeStepRetrying)
	require.Len(t, retrying, 2)
	assert.Equal(t, 2, retrying[0].Attempt)
	assert.Equal(t, 3, retrying[1].Attempt)
}

func TestRun_FailedAttemptCostIsCharged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(
		testutil.Reply{Err: capability.Transient(errors.New("partial")), Cost: decimal.RequireFromString("0.05")},
		testutil.Succeed("x", "0.10"),
	), capability.Transcription)

	def := mustBuild(t, pipeline.NewBuilder("billing", "1.0.0").AddStep("transcribe", capability.Transcription))
	rec := h.coordinator(t).Run(context.Background(), Run{ExecutionID: "exec-bill", TenantID: fixtures.TenantID, Pipeline: def})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	assert.True(t, rec.TotalCost.Equal(decimal.RequireFromString("0.15")), rec.TotalCost.String())
	spent, err := h.budget.Spend(context.Background(), fixtures.TenantID)
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.RequireFromString("0.15")), spent.String())
	costs := testutil.FilterEvents(h.events.Events("exec-bill"), events.TypeCostIncurred)
	require.Len(t, costs, 1, "spend is recorded once per step")
}

// ===========================================================================
// Events
// ===========================================================================

func TestRun_EmitsOrderedCompleteEventStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("t", "0.01")), capability.Transcription)
	h.register(t, fixtures.ProviderRedactor, 1, testutil.NewScriptedAdapter(testutil.Succeed("r", "0.01")), capability.PIIRedaction)
	h.register(t, fixtures.ProviderSummarizerA, 1, testutil.NewScriptedAdapter(testutil.Succeed("s", "0.01")), capability.Summarization)

	ch, err := h.events.Subscribe(context.Background(), "exec-events")
	require.NoError(t, err)

	rec := h.coordinator(t).Run(context.Background(), Run{
		ExecutionID: "exec-events",
		TenantID:    fixtures.TenantID,
		Pipeline:    mustBuild(t, fixtures.MeetingNotes()),
	})
	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	assert.Equal(t, "s", rec.Output)

	evs := testutil.CollectEvents(t, ch, 5*time.Second)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeExecutionStarted, evs[0].Type)
	assert.Equal(t, events.TypeExecutionCompleted, evs[len(evs)-1].Type)
	for i, e := range evs {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "exec-events", e.ExecutionID)
	}

	var order []string
	for _, e := range evs {
		if e.Type == events.TypeStepStarted || e.Type == events.TypeStepCompleted {
			order = append(order, e.Type.String()+":"+e.Step)
		}
	}
	assert.Equal(t, []string{
		"step.started:transcribe", "step.completed:transcribe",
		"step.started:redact", "step.completed:redact",
		"step.started:summarize", "step.completed:summarize",
	}, order)

	progress := testutil.FilterEvents(evs, events.TypeProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, 3, progress[2].Finished)
	assert.Equal(t, 3, progress[2].Total)
}

// ===========================================================================
// Concurrency
// ===========================================================================

func TestRun_ConcurrentStepsShareLayer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var arrived atomic.Int32
	release := make(chan struct{})
	barrier := capability.AdapterFunc{
		Fn: func(ctx context.Context, req capability.Request) (capability.Result, error) {
			if arrived.Add(1) == 2 {
				close(release)
			}
			select {
			case <-release:
				return capability.Result{Output: string(req.Capability)}, nil
			case <-ctx.Done():
				return capability.Result{}, capability.Permanent(ctx.Err())
			}
		},
		Cost: capability.MustCostModel(capability.PerRequest, "0"),
	}
	h.register(t, "barrier", 1, barrier, capability.Transcription, capability.Translation)
	h.register(t, fixtures.ProviderSummarizerA, 1, testutil.NewScriptedAdapter(testutil.Succeed("joined", "0")), capability.Summarization)

	def := mustBuild(t, pipeline.NewBuilder("diamond", "1.0.0").
		WithResultBinding("summary").
		AddStep("transcribe", capability.Transcription, pipeline.WithOutput("transcript"), attempts(1)).
		AddStep("translate", capability.Translation, pipeline.WithOutput("translated"), attempts(1)).
		AddStep("summarize", capability.Summarization, pipeline.WithInputs("transcript", "translated"), pipeline.WithOutput("summary")))

	rec := h.coordinator(t, WithConcurrentSteps(true)).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})

	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status, rec.ErrorMessage)
	assert.Equal(t, "joined", rec.Output)
	assert.Len(t, rec.Steps, 3)
}

func TestRun_ConcurrentProgressIsMonotonic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	caps := []capability.Capability{capability.Transcription, capability.Translation, capability.SentimentAnalysis, capability.Summarization}
	b := pipeline.NewBuilder("fan-out", "1.0.0")
	for _, c := range caps {
		h.register(t, "p-"+string(c), 1, testutil.NewScriptedAdapter(testutil.Succeed("ok", "0")), c)
		b.AddStep(string(c), c, attempts(1))
	}

	for run := 0; run < 20; run++ {
		id := fmt.Sprintf("exec-progress-%d", run)
		rec := h.coordinator(t, WithConcurrentSteps(true)).Run(context.Background(), Run{
			ExecutionID: id,
			TenantID:    fixtures.TenantID,
			Pipeline:    mustBuild(t, b),
		})
		require.Equal(t, models.ExecutionStatusSucceeded, rec.Status, rec.ErrorMessage)

		progress := testutil.FilterEvents(h.events.Events(id), events.TypeProgress)
		require.Len(t, progress, len(caps))
		for i, e := range progress {
			assert.Equal(t, i+1, e.Finished, "run %d", run)
		}
	}
}

func TestCoordinator_ConcurrentRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("t", "0.01")), capability.Transcription)
	c := h.coordinator(t)
	def := mustBuild(t, pipeline.NewBuilder("one", "1.0.0").AddStep("transcribe", capability.Transcription))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := c.Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})
			assert.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
		}()
	}
	wg.Wait()

	spent, err := h.budget.Spend(context.Background(), fixtures.TenantID)
	require.NoError(t, err)
	assert.True(t, spent.Equal(decimal.RequireFromString("0.20")), spent.String())
}

// ===========================================================================
// Tracing
// ===========================================================================

func TestRun_RecordsSpans(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t)
	h.register(t, fixtures.ProviderWhisper, 1, testutil.NewScriptedAdapter(testutil.Succeed("t", "0")), capability.Transcription)
	def := mustBuild(t, pipeline.NewBuilder("traced", "1.0.0").AddStep("transcribe", capability.Transcription))

	rec := h.coordinator(t, WithTracer(tp.Tracer("test"))).Run(context.Background(), Run{TenantID: fixtures.TenantID, Pipeline: def})
	require.Equal(t, models.ExecutionStatusSucceeded, rec.Status)
	_ = tp.ForceFlush(context.Background())

	names := map[string]int{}
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	assert.Equal(t, 1, names["saga.Run"])
	assert.Equal(t, 1, names["saga.Step"])
	assert.Equal(t, 1, names["saga.Invoke"])
}
