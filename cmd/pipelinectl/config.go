package main

import (
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/config"
	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/lineage"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/orchestrator"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/persistence"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable read by pipelinectl,
// e.g. PIPELINES_BUDGET_DEFAULT_LIMIT or PIPELINES_POSTGRES_URI.
const EnvPrefix = "PIPELINES"

// AppConfig is the whole pipelinectl configuration. Backends whose
// address is empty are not used; with none configured everything runs
// in memory.
//
//	log:
//	  format: text
//	budget:
//	  default_limit: "5.00"
//	  store: redis
//	storage:
//	  redis:
//	    addr: localhost:6379
type AppConfig struct {
	Log          telemetry.LogConfig     `env:"LOG" yaml:"log" json:"log"`
	Tracing      telemetry.TracingConfig `env:"OTEL" yaml:"tracing" json:"tracing"`
	Orchestrator orchestrator.Config     `env:"ORCHESTRATOR" yaml:"orchestrator" json:"orchestrator"`
	Budget       budget.Config           `env:"BUDGET" yaml:"budget" json:"budget"`
	Storage      persistence.Config      `env:"" yaml:"storage" json:"storage"`
	Lineage      lineage.Config          `env:"NEO4J" yaml:"lineage" json:"lineage"`
}

// Validate implements config.Validator. Each section validates itself
// before this runs; only rules that span sections live here.
func (c *AppConfig) Validate() error {
	switch c.Budget.Store {
	case "redis":
		if !c.Storage.Redis.Enabled() {
			return sserr.New(sserr.CodeValidationRequired, "config: budget store redis requires storage.redis.addr")
		}
	case "postgres":
		if !c.Storage.Postgres.Enabled() {
			return sserr.New(sserr.CodeValidationRequired, "config: budget store postgres requires storage.postgres.uri")
		}
	}
	return nil
}

// LoadConfig loads defaults, then path (if set), then the environment.
func LoadConfig(path string) (AppConfig, error) {
	var cfg AppConfig
	loader := config.New().WithEnvPrefix(EnvPrefix)
	if path != "" {
		loader = loader.WithFile(path)
	}
	if err := loader.Load(&cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}
