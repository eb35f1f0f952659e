package budget

import (
	"time"

	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Config is the loadable budget configuration. Populate it with
// pkg/config:
//
//	cfg := config.MustLoad[budget.Config](config.New().WithEnvPrefix("BUDGET"))
//
// BUDGET_LIMITS takes comma-separated tenant=amount pairs. Every explicit
// tenant limit uses DefaultPolicy.
type Config struct {
	// DefaultLimit applies to tenants without an explicit limit. Zero
	// leaves such tenants unlimited.
	DefaultLimit decimal.Decimal `env:"DEFAULT_LIMIT" yaml:"default_limit" json:"default_limit"`

	// DefaultPolicy is the policy of the default and explicit limits.
	DefaultPolicy Policy `env:"POLICY" envDefault:"hard_block" yaml:"policy" json:"policy"`

	// Limits holds explicit per-tenant limit amounts.
	Limits map[string]decimal.Decimal `env:"LIMITS" yaml:"limits" json:"limits"`

	// CheckTimeout bounds each spend lookup.
	CheckTimeout time.Duration `env:"CHECK_TIMEOUT" envDefault:"250ms" yaml:"check_timeout" json:"check_timeout"`

	// Store selects the spend store: memory, redis or postgres.
	Store string `env:"STORE" envDefault:"memory" yaml:"store" json:"store"`

	// Retention is how long Redis keeps a period counter.
	Retention time.Duration `env:"RETENTION" envDefault:"2160h" yaml:"retention" json:"retention"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if !c.DefaultPolicy.Valid() {
		return sserr.Newf(sserr.CodeValidation, "budget: invalid policy %q", c.DefaultPolicy)
	}
	if c.DefaultLimit.IsNegative() {
		return sserr.Newf(sserr.CodeValidation, "budget: default limit must not be negative, got %s", c.DefaultLimit)
	}
	for tenant, amount := range c.Limits {
		if amount.IsNegative() {
			return sserr.Newf(sserr.CodeValidation, "budget: limit of tenant %q must not be negative, got %s", tenant, amount)
		}
	}
	switch c.Store {
	case "", "memory", "redis", "postgres":
	default:
		return sserr.Newf(sserr.CodeValidation, "budget: unknown store %q (use memory, redis or postgres)", c.Store)
	}
	if c.CheckTimeout < 0 {
		return sserr.New(sserr.CodeValidation, "budget: check timeout must not be negative")
	}
	return nil
}

// Default returns the default limit. ok is false when DefaultLimit is
// zero.
func (c Config) Default() (Limit, bool) {
	if c.DefaultLimit.IsZero() {
		return Limit{}, false
	}
	return Limit{Amount: c.DefaultLimit, Policy: c.DefaultPolicy}, true
}

// TenantLimits returns the explicit limits as [Limit] values.
func (c Config) TenantLimits() map[string]Limit {
	out := make(map[string]Limit, len(c.Limits))
	for tenant, amount := range c.Limits {
		out[tenant] = Limit{Amount: amount, Policy: c.DefaultPolicy}
	}
	return out
}
