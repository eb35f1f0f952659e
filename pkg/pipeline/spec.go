package pipeline

import (
	"bytes"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Spec is the YAML form of a pipeline definition.
//
//	name: meeting-notes
//	version: 1.0.0
//	result: summary
//	steps:
//	  - name: transcribe
//	    capability: transcription
//	    prefer: [whisper-large]
//	    output: transcript
//	    compensate: delete-transcript
//	    retry:
//	      max_attempts: 3
//	      initial_backoff: 200ms
//	  - name: summarize
//	    capability: summarization
//	    inputs: [transcript]
//	    output: summary
//	    optional: true
type Spec struct {
	Name        string     `yaml:"name"`
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Result      string     `yaml:"result"`
	Steps       []StepSpec `yaml:"steps"`
}

// StepSpec is the YAML form of a step.
type StepSpec struct {
	Name         string         `yaml:"name"`
	Capability   string         `yaml:"capability"`
	Prefer       []string       `yaml:"prefer"`
	Inputs       []string       `yaml:"inputs"`
	Output       string         `yaml:"output"`
	Optional     bool           `yaml:"optional"`
	WhenPresent  []string       `yaml:"when_present"`
	Retry        *RetrySpec     `yaml:"retry"`
	MaxFallbacks *int           `yaml:"max_fallbacks"`
	Compensate   string         `yaml:"compensate"`
	SizeHint     int64          `yaml:"size_hint"`
	Options      map[string]any `yaml:"options"`
}

// RetrySpec is the YAML form of a retry policy. Unset fields keep the
// defaults of [DefaultRetryPolicy]. Durations use time.ParseDuration
// syntax.
type RetrySpec struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxBackoff     string  `yaml:"max_backoff"`
	Timeout        string  `yaml:"timeout"`
}

// Policy converts the spec into a [RetryPolicy].
func (r *RetrySpec) Policy() (RetryPolicy, error) {
	p := DefaultRetryPolicy()
	if r == nil {
		return p, nil
	}
	if r.MaxAttempts != 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.Multiplier != 0 {
		p.Multiplier = r.Multiplier
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{r.InitialBackoff, &p.InitialBackoff},
		{r.MaxBackoff, &p.MaxBackoff},
		{r.Timeout, &p.Timeout},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return RetryPolicy{}, sserr.Wrapf(err, sserr.CodeInvalidPipeline, "pipeline: invalid retry duration %q", f.raw)
		}
		*f.dst = d
	}
	return p, nil
}

// ParseSpec decodes a YAML pipeline spec from r and builds it. Named
// compensators are resolved against compensators; an unknown name is a
// construction error.
func ParseSpec(r io.Reader, compensators map[string]Compensator) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInvalidPipeline, "pipeline: failed to decode pipeline spec")
	}
	return spec.Build(compensators)
}

// LoadSpecFile reads and builds the YAML pipeline spec at path.
func LoadSpecFile(path string, compensators map[string]Compensator) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "pipeline: failed to read pipeline spec %s", path)
	}
	return ParseSpec(bytes.NewReader(data), compensators)
}

// Build converts the spec into a validated [Definition].
func (s Spec) Build(compensators map[string]Compensator) (*Definition, error) {
	b := NewBuilder(s.Name, s.Version).
		WithDescription(s.Description).
		WithResultBinding(s.Result)

	for _, st := range s.Steps {
		c := capability.Capability(st.Capability)
		if parsed, err := capability.Parse(st.Capability); err == nil {
			c = parsed
		}
		retry, err := st.Retry.Policy()
		if err != nil {
			return nil, err
		}
		opts := []StepOption{
			WithInputs(st.Inputs...),
			WithOutput(st.Output),
			PreferProviders(st.Prefer...),
			WithRetry(retry),
			WithSizeHint(st.SizeHint),
		}
		if st.Optional {
			opts = append(opts, Optional())
		}
		if len(st.WhenPresent) > 0 {
			opts = append(opts, WhenPresent(st.WhenPresent...))
		}
		if st.MaxFallbacks != nil {
			opts = append(opts, WithMaxFallbacks(*st.MaxFallbacks))
		}
		if len(st.Options) > 0 {
			opts = append(opts, WithOptions(st.Options))
		}
		if st.Compensate != "" {
			fn, ok := compensators[st.Compensate]
			if !ok || fn == nil {
				return nil, sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "unknown compensator").
					WithDetail("pipeline", s.Name).
					WithDetail("step", st.Name).
					WithDetail("compensator", st.Compensate)
			}
			opts = append(opts, WithCompensation(fn))
		}
		b.AddStep(st.Name, c, opts...)
	}
	return b.Build()
}
