// Package capability routes units of work to provider adapters.
//
// A [Capability] names what a step needs done (transcription, redaction,
// summarization, ...) rather than who does it. Providers announce the
// capabilities they satisfy by registering with a [Registry], together with
// a quality tier and a [CostModel]. At execution time the registry ranks
// candidates for a capability and builds the ordered fallback chain that the
// saga coordinator walks.
//
// The registry is safe for concurrent use. It is read on every step of
// every execution and written only at startup or on rare reconfiguration,
// so it uses a reader-writer lock.
package capability

import (
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Capability identifies a unit of work a provider can perform. The set of
// capabilities is closed; use [Parse] to convert untrusted strings.
type Capability string

const (
	// Transcription converts speech audio into text.
	Transcription Capability = "transcription"

	// Diarization attributes transcript segments to speakers.
	Diarization Capability = "diarization"

	// PIIRedaction removes personally identifiable information from text.
	PIIRedaction Capability = "pii_redaction"

	// Summarization condenses text.
	Summarization Capability = "summarization"

	// Translation translates text between languages.
	Translation Capability = "translation"

	// SentimentAnalysis classifies the sentiment of text.
	SentimentAnalysis Capability = "sentiment_analysis"
)

var allCapabilities = []Capability{
	Transcription,
	Diarization,
	PIIRedaction,
	Summarization,
	Translation,
	SentimentAnalysis,
}

// All returns every recognized capability in declaration order.
func All() []Capability {
	out := make([]Capability, len(allCapabilities))
	copy(out, allCapabilities)
	return out
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// Valid reports whether c is a recognized capability.
func (c Capability) Valid() bool {
	for _, known := range allCapabilities {
		if c == known {
			return true
		}
	}
	return false
}

// Parse converts s (case-insensitive, hyphens accepted for underscores)
// into a recognized capability.
func Parse(s string) (Capability, error) {
	c := Capability(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", sserr.Newf(sserr.CodeValidation, "capability: unknown capability %q", s)
	}
	return c, nil
}
