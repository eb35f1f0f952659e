// Package fixtures provides shared test identities and pipeline fixtures.
//
// Using common constants prevents magic strings across package tests.
package fixtures

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// Tenants used across budget, saga and orchestrator tests.
const (
	TenantID    = "tenant-acme"
	AltTenantID = "tenant-globex"
)

// Provider ids used across tests.
const (
	ProviderWhisper     = "whisper"
	ProviderDeepgram    = "deepgram"
	ProviderRedactor    = "redactor"
	ProviderSummarizerA = "summarizer-a"
	ProviderSummarizerB = "summarizer-b"
	ProviderTranslator  = "translator"
)

// Pipeline names used across tests.
const (
	MeetingNotesPipeline = "meeting-notes"
	PipelineVersion      = "1.0.0"
)

// TestPipelineYAML is a minimal valid pipeline spec.
const TestPipelineYAML = `name: meeting-notes
version: 1.0.0
result: summary
steps:
  - name: transcribe
    capability: transcription
    output: transcript
  - name: redact
    capability: pii_redaction
    inputs: [transcript]
    output: redacted
  - name: summarize
    capability: summarization
    inputs: [redacted]
    output: summary
`

// MeetingNotes returns a builder for the three-step transcribe → redact →
// summarize pipeline. Step options are applied to every step.
func MeetingNotes(opts ...pipeline.StepOption) *pipeline.Builder {
	with := func(own ...pipeline.StepOption) []pipeline.StepOption {
		return append(own, opts...)
	}
	return pipeline.NewBuilder(MeetingNotesPipeline, PipelineVersion).
		WithResultBinding("summary").
		AddStep("transcribe", capability.Transcription, with(pipeline.WithOutput("transcript"))...).
		AddStep("redact", capability.PIIRedaction, with(pipeline.WithInputs("transcript"), pipeline.WithOutput("redacted"))...).
		AddStep("summarize", capability.Summarization, with(pipeline.WithInputs("redacted"), pipeline.WithOutput("summary"))...)
}

// FinishedRecord returns a succeeded meeting-notes record billing 0.35,
// with one transcribe step that fell back from deepgram to whisper.
func FinishedRecord(t testing.TB, id, tenant string) *models.ExecutionRecord {
	t.Helper()
	rec, err := models.NewExecutionRecordWithID(id, MeetingNotesPipeline, PipelineVersion, tenant)
	require.NoError(t, err)
	require.NoError(t, rec.Transition(models.ExecutionStatusRunning, time.Now()))
	rec.Steps = []models.StepOutcome{{
		Step:       "transcribe",
		Capability: capability.Transcription,
		Status:     models.StepStatusSucceeded,
		ProviderID: ProviderWhisper,
		Cost:       decimal.RequireFromString("0.35"),
		Attempts: []models.ProviderAttempt{
			{ProviderID: ProviderDeepgram, Attempt: 1, Status: models.AttemptStatusFailedTerminal},
			{ProviderID: ProviderWhisper, Attempt: 1, Status: models.AttemptStatusSucceeded},
		},
	}}
	rec.TotalCost = decimal.RequireFromString("0.35")
	rec.Output = "summary text"
	require.NoError(t, rec.Transition(models.ExecutionStatusSucceeded, time.Now()))
	return rec
}
