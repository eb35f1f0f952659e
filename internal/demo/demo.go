// Package demo provides in-process provider adapters that transform text
// locally. They stand in for real speech, redaction and language model
// providers in the CLI and the example program.
package demo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
)

// Provider ids registered by [Register].
const (
	Whisper     = "whisper-demo"
	Deepgram    = "deepgram-demo"
	Redactor    = "redactor-demo"
	SummarizerA = "summarizer-a"
	SummarizerB = "summarizer-b"
	Translator  = "translator-demo"
	Sentiment   = "sentiment-demo"
)

// Adapter is a local text adapter billed by its cost model on the input
// size.
type Adapter struct {
	cost capability.CostModel
	fn   func(req capability.Request) (any, error)
}

var _ capability.Adapter = (*Adapter)(nil)

// Invoke implements capability.Adapter.
func (a *Adapter) Invoke(ctx context.Context, req capability.Request) (capability.Result, error) {
	if err := ctx.Err(); err != nil {
		return capability.Result{}, err
	}
	out, err := a.fn(req)
	if err != nil {
		return capability.Result{}, err
	}
	return capability.Result{
		Output: out,
		Cost:   a.EstimateCost(req.Input),
		Usage:  map[string]any{"input_size": capability.SizeOf(req.Input)},
	}, nil
}

// EstimateCost implements capability.Adapter.
func (a *Adapter) EstimateCost(input any) decimal.Decimal {
	return a.cost.Estimate(capability.SizeOf(input))
}

// Transcriber returns its text input with whitespace normalized, as if it
// were the transcript of an audio reference.
func Transcriber(cost capability.CostModel) *Adapter {
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		text, err := textInput(req)
		if err != nil {
			return nil, err
		}
		return strings.Join(strings.Fields(text), " "), nil
	}}
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
)

// RedactorAdapter masks e-mail addresses and phone numbers.
func RedactorAdapter(cost capability.CostModel) *Adapter {
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		text, err := textInput(req)
		if err != nil {
			return nil, err
		}
		text = emailPattern.ReplaceAllString(text, "[EMAIL]")
		return phonePattern.ReplaceAllString(text, "[PHONE]"), nil
	}}
}

// Summarizer keeps the first sentences of its input; the "sentences"
// option sets how many (default 2).
func Summarizer(cost capability.CostModel) *Adapter {
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		text, err := textInput(req)
		if err != nil {
			return nil, err
		}
		n := intOption(req.Options, "sentences", 2)
		sentences := splitSentences(text)
		if len(sentences) > n {
			sentences = sentences[:n]
		}
		return strings.Join(sentences, " "), nil
	}}
}

// TranslatorAdapter tags its input with the "target" option language
// (default "en").
func TranslatorAdapter(cost capability.CostModel) *Adapter {
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		text, err := textInput(req)
		if err != nil {
			return nil, err
		}
		target, _ := req.Options["target"].(string)
		if target == "" {
			target = "en"
		}
		return fmt.Sprintf("[%s] %s", target, text), nil
	}}
}

var (
	positiveWords = []string{"good", "great", "agreed", "excellent", "happy", "thanks", "resolved"}
	negativeWords = []string{"bad", "blocked", "delay", "risk", "issue", "concern", "late"}
)

// SentimentAdapter scores its input by counting positive and negative
// words and returns "positive", "negative" or "neutral".
func SentimentAdapter(cost capability.CostModel) *Adapter {
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		text, err := textInput(req)
		if err != nil {
			return nil, err
		}
		score := 0
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,;:!?\"'()")
			if contains(positiveWords, w) {
				score++
			}
			if contains(negativeWords, w) {
				score--
			}
		}
		switch {
		case score > 0:
			return "positive", nil
		case score < 0:
			return "negative", nil
		default:
			return "neutral", nil
		}
	}}
}

// Flaky wraps an adapter and fails the first n calls transiently.
type Flaky struct {
	capability.Adapter

	mu        sync.Mutex
	remaining int
}

// NewFlaky wraps a so that its first n invocations fail transiently.
func NewFlaky(a capability.Adapter, n int) *Flaky {
	return &Flaky{Adapter: a, remaining: n}
}

// Invoke implements capability.Adapter.
func (f *Flaky) Invoke(ctx context.Context, req capability.Request) (capability.Result, error) {
	f.mu.Lock()
	fail := f.remaining > 0
	if fail {
		f.remaining--
	}
	f.mu.Unlock()
	if fail {
		return capability.Result{}, capability.Transient(fmt.Errorf("demo: simulated outage"))
	}
	return f.Adapter.Invoke(ctx, req)
}

// Registrations returns the demo provider table.
func Registrations() []capability.Registration {
	return []capability.Registration{
		{
			ProviderID:   Whisper,
			Capabilities: []capability.Capability{capability.Transcription},
			QualityTier:  3,
			CostModel:    capability.MustCostModel(capability.PerCharacter, "0.0002"),
		},
		{
			ProviderID:   Deepgram,
			Capabilities: []capability.Capability{capability.Transcription, capability.Diarization},
			QualityTier:  2,
			CostModel:    capability.MustCostModel(capability.PerCharacter, "0.0001"),
		},
		{
			ProviderID:   Redactor,
			Capabilities: []capability.Capability{capability.PIIRedaction},
			QualityTier:  2,
			CostModel:    capability.MustCostModel(capability.PerRequest, "0.01"),
		},
		{
			ProviderID:   SummarizerA,
			Capabilities: []capability.Capability{capability.Summarization},
			QualityTier:  3,
			CostModel:    capability.MustCostModel(capability.PerCharacter, "0.00003"),
		},
		{
			ProviderID:   SummarizerB,
			Capabilities: []capability.Capability{capability.Summarization, capability.Translation},
			QualityTier:  2,
			CostModel:    capability.MustCostModel(capability.PerCharacter, "0.00001"),
		},
		{
			ProviderID:   Translator,
			Capabilities: []capability.Capability{capability.Translation},
			QualityTier:  3,
			CostModel:    capability.MustCostModel(capability.PerCharacter, "0.00002"),
		},
		{
			ProviderID:   Sentiment,
			Capabilities: []capability.Capability{capability.SentimentAnalysis},
			QualityTier:  1,
			CostModel:    capability.MustCostModel(capability.PerRequest, "0.002"),
		},
	}
}

// Register adds every demo provider to registry, attaching the adapter
// matching its first capability. Providers named in flaky fail their
// first n invocations transiently.
func Register(registry *capability.Registry, flaky map[string]int) error {
	for _, reg := range Registrations() {
		var a capability.Adapter = adapterFor(reg)
		if n := flaky[reg.ProviderID]; n > 0 {
			a = NewFlaky(a, n)
		}
		reg.Adapter = a
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func adapterFor(reg capability.Registration) *Adapter {
	switch reg.ProviderID {
	case Whisper, Deepgram:
		return Transcriber(reg.CostModel)
	case Redactor:
		return RedactorAdapter(reg.CostModel)
	case SummarizerA:
		return Summarizer(reg.CostModel)
	case SummarizerB:
		return multi(reg.CostModel)
	case Translator:
		return TranslatorAdapter(reg.CostModel)
	default:
		return SentimentAdapter(reg.CostModel)
	}
}

// multi dispatches on the requested capability.
func multi(cost capability.CostModel) *Adapter {
	summarize, translate := Summarizer(cost), TranslatorAdapter(cost)
	return &Adapter{cost: cost, fn: func(req capability.Request) (any, error) {
		if req.Capability == capability.Translation {
			return translate.fn(req)
		}
		return summarize.fn(req)
	}}
}

func textInput(req capability.Request) (string, error) {
	switch v := req.Input.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case map[string]any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 1 {
			return parts[0], nil
		}
	}
	return "", capability.Permanent(fmt.Errorf("demo: %s expects text input, got %T", req.Capability, req.Input))
}

func intOption(opts map[string]any, key string, def int) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func contains(list []string, w string) bool {
	for _, s := range list {
		if s == w {
			return true
		}
	}
	return false
}
