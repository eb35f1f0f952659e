// Package pipeline defines immutable, declarative pipeline definitions.
//
// A [Definition] is an ordered list of [Step] value objects, each naming the
// capability it needs, where its input comes from, where its output goes and
// how it fails. Definitions are assembled with a [Builder] and validated
// once by [Builder.Build]; afterwards they never change and may be executed
// concurrently by any number of executions.
//
// Example:
//
//	def, err := pipeline.NewBuilder("meeting-notes", "1.0.0").
//	    AddStep("transcribe", capability.Transcription,
//	        pipeline.PreferProviders("whisper-large"),
//	        pipeline.WithOutput("transcript")).
//	    AddStep("redact", capability.PIIRedaction,
//	        pipeline.WithInputs("transcript"),
//	        pipeline.WithOutput("redacted")).
//	    AddStep("summarize", capability.Summarization,
//	        pipeline.WithInputs("redacted"),
//	        pipeline.Optional()).
//	    Build()
package pipeline

import (
	"strings"

	"github.com/StricklySoft/stricklysoft-pipelines/pkg/capability"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Builder accumulates step descriptions and validates them once in
// [Builder.Build]. Builders are not safe for concurrent use.
type Builder struct {
	name          string
	version       string
	description   string
	resultBinding string
	steps         []Step
}

// NewBuilder starts a definition with the given name and version.
func NewBuilder(name, version string) *Builder {
	return &Builder{name: name, version: version}
}

// WithDescription sets a human-readable description.
func (b *Builder) WithDescription(description string) *Builder {
	b.description = description
	return b
}

// WithResultBinding selects the binding reported as the execution's final
// output. It defaults to the output of the last step.
func (b *Builder) WithResultBinding(binding string) *Builder {
	b.resultBinding = binding
	return b
}

// AddStep appends a step with default policies, then applies opts.
func (b *Builder) AddStep(name string, c capability.Capability, opts ...StepOption) *Builder {
	s := Step{
		Name:         name,
		Capability:   c,
		Inputs:       []string{InitialInput},
		Output:       name,
		Retry:        DefaultRetryPolicy(),
		MaxFallbacks: DefaultMaxFallbacks,
	}
	for _, opt := range opts {
		opt(&s)
	}
	b.steps = append(b.steps, s)
	return b
}

// Build validates the accumulated steps and returns the immutable
// definition. The first violation found is returned as a PIPE_xxx error
// carrying "violation", and where relevant "step" and "binding", details.
func (b *Builder) Build() (*Definition, error) {
	if strings.TrimSpace(b.name) == "" {
		return nil, sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "pipeline name must not be empty")
	}
	if strings.TrimSpace(b.version) == "" {
		return nil, sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "pipeline version must not be empty").
			WithDetail("pipeline", b.name)
	}
	if len(b.steps) == 0 {
		return nil, sserr.InvalidPipeline(sserr.CodeInvalidPipeline, "pipeline must have at least one step").
			WithDetail("pipeline", b.name)
	}

	steps := make([]Step, len(b.steps))
	index := make(map[string]int, len(b.steps))
	producers := make(map[string]int, len(b.steps))

	// Every output is known up front so forward references can be told
	// apart from bindings nobody produces.
	declared := make(map[string]int, len(b.steps))
	for i, s := range b.steps {
		if _, seen := declared[s.Output]; !seen {
			declared[s.Output] = i
		}
	}

	for i, s := range b.steps {
		s = s.Clone()
		if strings.TrimSpace(s.Name) == "" {
			return nil, stepError(sserr.CodeInvalidPipeline, "step name must not be empty", b.name, s.Name)
		}
		if _, dup := index[s.Name]; dup {
			return nil, stepError(sserr.CodeInvalidPipelineDuplicateStep, "duplicate step name", b.name, s.Name)
		}
		if !s.Capability.Valid() {
			return nil, stepError(sserr.CodeInvalidPipelineUnknownCapability, "unknown capability", b.name, s.Name).
				WithDetail("capability", string(s.Capability))
		}
		if strings.HasPrefix(s.Output, "$") {
			return nil, stepError(sserr.CodeInvalidPipeline, "output binding uses the reserved $ prefix", b.name, s.Name).
				WithDetail("binding", s.Output)
		}
		if _, dup := producers[s.Output]; dup {
			return nil, stepError(sserr.CodeInvalidPipelineDuplicateOutput, "duplicate output binding", b.name, s.Name).
				WithDetail("binding", s.Output)
		}
		for _, ref := range s.References() {
			if ref == InitialInput {
				continue
			}
			if _, ok := producers[ref]; ok {
				continue
			}
			if at, later := declared[ref]; later && at >= i {
				return nil, stepError(sserr.CodeInvalidPipelineDanglingBinding,
					"binding is produced by a later step", b.name, s.Name).WithDetail("binding", ref)
			}
			return nil, stepError(sserr.CodeInvalidPipelineDanglingBinding,
				"binding is not produced by any earlier step", b.name, s.Name).WithDetail("binding", ref)
		}
		if err := s.Retry.Validate(); err != nil {
			e, _ := sserr.AsError(err)
			return nil, e.WithDetail("pipeline", b.name).WithDetail("step", s.Name)
		}
		if s.MaxFallbacks < 0 {
			return nil, stepError(sserr.CodeInvalidPipeline, "max fallbacks must not be negative", b.name, s.Name)
		}
		if s.SizeHint < 0 {
			return nil, stepError(sserr.CodeInvalidPipeline, "size hint must not be negative", b.name, s.Name)
		}

		steps[i] = s
		index[s.Name] = i
		producers[s.Output] = i
	}

	result := b.resultBinding
	if result == "" {
		result = steps[len(steps)-1].Output
	} else if _, ok := producers[result]; !ok {
		return nil, sserr.InvalidPipeline(sserr.CodeInvalidPipelineDanglingBinding,
			"result binding is not produced by any step").
			WithDetail("pipeline", b.name).WithDetail("binding", result)
	}

	d := &Definition{
		name:          b.name,
		version:       b.version,
		description:   b.description,
		steps:         steps,
		index:         index,
		producers:     producers,
		resultBinding: result,
	}
	d.levels = d.computeLevels()
	return d, nil
}

func stepError(code sserr.Code, violation, pipelineName, step string) *sserr.Error {
	return sserr.InvalidPipeline(code, violation).
		WithDetail("pipeline", pipelineName).
		WithDetail("step", step)
}
