package demo

import (
	"context"
	"log/slog"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/pipeline"
)

// MeetingNotesName is the name of the built-in demo pipeline.
const MeetingNotesName = "meeting-notes"

// MeetingNotes builds the demo pipeline: transcribe, redact, then
// summarize and score sentiment side by side. Summary and sentiment are
// optional, so a run with a redacted transcript always succeeds.
func MeetingNotes(logger *slog.Logger) (*pipeline.Definition, error) {
	discard := Compensators(logger)["discard"]
	return pipeline.NewBuilder(MeetingNotesName, "1.0.0").
		WithDescription("transcribe, redact and summarize a meeting").
		WithResultBinding("summary").
		AddStep("transcribe", capability.Transcription,
			pipeline.PreferProviders(Whisper),
			pipeline.WithOutput("transcript"),
			pipeline.WithCompensation(discard),
		).
		AddStep("redact", capability.PIIRedaction,
			pipeline.WithInputs("transcript"),
			pipeline.WithOutput("redacted"),
			pipeline.WithCompensation(discard),
		).
		AddStep("summarize", capability.Summarization,
			pipeline.WithInputs("redacted"),
			pipeline.WithOutput("summary"),
			pipeline.WithOptions(map[string]any{"sentences": 2}),
			pipeline.Optional(),
		).
		AddStep("sentiment", capability.SentimentAnalysis,
			pipeline.WithInputs("redacted"),
			pipeline.WithOutput("sentiment"),
			pipeline.Optional(),
		).
		Build()
}

// Compensators returns the named compensators YAML specs may reference.
// The demo adapters keep no external state, so "discard" only logs.
func Compensators(logger *slog.Logger) map[string]pipeline.Compensator {
	if logger == nil {
		logger = slog.Default()
	}
	return map[string]pipeline.Compensator{
		"discard": func(ctx context.Context, c pipeline.Compensation) error {
			logger.InfoContext(ctx, "demo: discarding step output",
				"execution_id", c.ExecutionID,
				"step", c.Step,
				"provider", c.ProviderID,
			)
			return nil
		},
	}
}
