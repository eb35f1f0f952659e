package budget

import (
	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// CheckResult is the outcome of one budget pre-check.
type CheckResult struct {
	// TenantID is the tenant checked.
	TenantID string `json:"tenant_id"`

	// Period is the accounting period the spend was read from.
	Period string `json:"period"`

	// Allowed reports whether the charge may proceed.
	Allowed bool `json:"allowed"`

	// Warning is set when the projected spend exceeds the limit but the
	// policy still allowed the charge.
	Warning bool `json:"warning,omitempty"`

	// Unlimited is set for tenants without a configured limit.
	Unlimited bool `json:"unlimited,omitempty"`

	// Estimate is the cost the caller is about to incur.
	Estimate decimal.Decimal `json:"estimate"`

	// Spend is the tenant's recorded spend for the period.
	Spend decimal.Decimal `json:"spend"`

	// Limit is the configured ceiling. Zero when Unlimited.
	Limit decimal.Decimal `json:"limit"`

	// Policy is the policy applied.
	Policy Policy `json:"policy,omitempty"`
}

// Projected returns Spend + Estimate.
func (r CheckResult) Projected() decimal.Decimal {
	return r.Spend.Add(r.Estimate)
}

// Err returns a [sserr.CodeBudgetExceeded] error for denied results and
// nil for allowed ones.
func (r CheckResult) Err() error {
	if r.Allowed {
		return nil
	}
	return sserr.BudgetExceeded(r.TenantID, string(r.Policy),
		r.Spend.String(), r.Estimate.String(), r.Limit.String()).
		WithDetail("period", r.Period)
}
