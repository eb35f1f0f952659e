package orchestrator

import (
	"time"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Config is the loadable orchestrator configuration. Populate it with
// pkg/config:
//
//	cfg := config.MustLoad[orchestrator.Config](config.New().WithEnvPrefix("PIPELINES"))
type Config struct {
	// MaxConcurrent bounds in-flight executions. Zero means unbounded.
	MaxConcurrent int `env:"MAX_CONCURRENT" envDefault:"64" yaml:"max_concurrent" json:"max_concurrent"`

	// ExecutionTimeout bounds a whole execution. Zero means unbounded.
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT" yaml:"execution_timeout" json:"execution_timeout"`

	// Preflight enables the coarse whole-pipeline budget check.
	Preflight bool `env:"PREFLIGHT" envDefault:"true" yaml:"preflight" json:"preflight"`

	// ConcurrentSteps runs independent steps of a layer concurrently.
	ConcurrentSteps bool `env:"CONCURRENT_STEPS" yaml:"concurrent_steps" json:"concurrent_steps"`

	// DefaultSizeHint sizes preflight estimates of steps without a hint.
	DefaultSizeHint int64 `env:"DEFAULT_SIZE_HINT" envDefault:"1000" yaml:"default_size_hint" json:"default_size_hint"`

	// EventTimeout bounds each event append.
	EventTimeout time.Duration `env:"EVENT_TIMEOUT" envDefault:"2s" yaml:"event_timeout" json:"event_timeout"`

	// CompensationTimeout bounds each compensating action.
	CompensationTimeout time.Duration `env:"COMPENSATION_TIMEOUT" envDefault:"30s" yaml:"compensation_timeout" json:"compensation_timeout"`

	// SinkTimeout bounds each record sink call.
	SinkTimeout time.Duration `env:"SINK_TIMEOUT" envDefault:"10s" yaml:"sink_timeout" json:"sink_timeout"`

	// RetainedRecords is the number of finished records kept in memory for
	// Wait and Record. Older ones are served by the record loader.
	RetainedRecords int `env:"RETAINED_RECORDS" envDefault:"1024" yaml:"retained_records" json:"retained_records"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       64,
		Preflight:           true,
		DefaultSizeHint:     1000,
		EventTimeout:        2 * time.Second,
		CompensationTimeout: 30 * time.Second,
		SinkTimeout:         10 * time.Second,
		RetainedRecords:     1024,
	}
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "orchestrator: max concurrent must not be negative, got %d", c.MaxConcurrent)
	}
	if c.DefaultSizeHint < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "orchestrator: default size hint must not be negative, got %d", c.DefaultSizeHint)
	}
	if c.RetainedRecords < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "orchestrator: retained records must not be negative, got %d", c.RetainedRecords)
	}
	if c.ExecutionTimeout < 0 || c.EventTimeout < 0 || c.CompensationTimeout < 0 || c.SinkTimeout < 0 {
		return sserr.New(sserr.CodeValidationRange, "orchestrator: timeouts must not be negative")
	}
	return nil
}
