package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

const meetingNotesYAML = `name: meeting-notes
version: 2.1.0
description: transcribe, redact and summarize a meeting
result: summary
steps:
  - name: transcribe
    capability: Transcription
    prefer: [whisper-large, deepgram]
    output: transcript
    compensate: delete-transcript
    size_hint: 60
    retry:
      max_attempts: 4
      initial_backoff: 250ms
      max_backoff: 2s
      timeout: 1m
  - name: redact
    capability: pii-redaction
    inputs: [transcript]
    output: redacted
    max_fallbacks: 0
  - name: summarize
    capability: summarization
    inputs: [redacted]
    output: summary
    optional: true
    when_present: [redacted]
    options:
      style: bullet
`

// TestParseSpec verifies decoding a YAML spec into a definition.
func TestParseSpec(t *testing.T) {
	t.Parallel()
	comp := func(context.Context, Compensation) error { return nil }
	def, err := ParseSpec(strings.NewReader(meetingNotesYAML), map[string]Compensator{"delete-transcript": comp})
	require.NoError(t, err)

	assert.Equal(t, "meeting-notes@2.1.0", def.Ref())
	assert.Equal(t, "summary", def.ResultBinding())

	transcribe, _ := def.Step("transcribe")
	assert.Equal(t, capability.Transcription, transcribe.Capability)
	assert.Equal(t, []string{"whisper-large", "deepgram"}, transcribe.PreferredProviders)
	assert.Equal(t, 4, transcribe.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, transcribe.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, transcribe.Retry.MaxBackoff)
	assert.Equal(t, time.Minute, transcribe.Retry.Timeout)
	assert.Equal(t, DefaultMultiplier, transcribe.Retry.Multiplier)
	assert.Equal(t, int64(60), transcribe.SizeHint)
	assert.NotNil(t, transcribe.Compensate)

	redact, _ := def.Step("redact")
	assert.Equal(t, capability.PIIRedaction, redact.Capability)
	assert.Equal(t, 0, redact.MaxFallbacks)

	summarize, _ := def.Step("summarize")
	assert.True(t, summarize.Optional)
	assert.Equal(t, []string{"redacted"}, summarize.RequiredBindings)
	assert.Equal(t, "bullet", summarize.Options["style"])
	assert.Equal(t, DefaultMaxFallbacks, summarize.MaxFallbacks)
}

// TestParseSpec_Errors verifies construction errors from YAML specs.
func TestParseSpec_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		code sserr.Code
	}{
		{"unknown field", "name: p\nversion: '1'\nbogus: 1\nsteps: []\n", sserr.CodeInvalidPipeline},
		{"unknown compensator", "name: p\nversion: '1'\nsteps:\n  - name: a\n    capability: transcription\n    compensate: nope\n", sserr.CodeInvalidPipeline},
		{"unknown capability", "name: p\nversion: '1'\nsteps:\n  - name: a\n    capability: ocr\n", sserr.CodeInvalidPipelineUnknownCapability},
		{"bad duration", "name: p\nversion: '1'\nsteps:\n  - name: a\n    capability: transcription\n    retry:\n      timeout: soon\n", sserr.CodeInvalidPipeline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec(strings.NewReader(tt.yaml), nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, sserr.GetCode(err), "error: %v", err)
		})
	}
}

// TestLoadSpecFile verifies loading from disk and the missing-file error.
func TestLoadSpecFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: p\nversion: '1'\nsteps:\n  - name: a\n    capability: translation\n"), 0o600))

	def, err := LoadSpecFile(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, def.Len())

	_, err = LoadSpecFile(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))
}
