package budget

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// Policy controls what happens when projected spend crosses a tenant's
// limit.
type Policy string

const (
	// PolicyWarn always allows the charge and flags the result.
	PolicyWarn Policy = "warn"

	// PolicySoftBlock allows charges while projected spend stays within
	// the limit plus [SoftBlockTolerance].
	PolicySoftBlock Policy = "soft_block"

	// PolicyHardBlock rejects any charge that would cross the limit.
	PolicyHardBlock Policy = "hard_block"
)

// SoftBlockTolerance is the multiplier applied to the limit under
// [PolicySoftBlock].
var SoftBlockTolerance = decimal.RequireFromString("1.1")

// String returns the string representation of the policy.
func (p Policy) String() string {
	return string(p)
}

// Valid reports whether p is a recognized policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyWarn, PolicySoftBlock, PolicyHardBlock:
		return true
	default:
		return false
	}
}

// ParsePolicy parses a policy name, case-insensitively. Hyphens are
// accepted in place of underscores ("hard-block").
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !p.Valid() {
		return "", sserr.Newf(sserr.CodeValidation,
			"budget: unknown policy %q (use warn, soft_block or hard_block)", s)
	}
	return p, nil
}

// UnmarshalText implements [encoding.TextUnmarshaler] so policies can be
// read from config files and environment variables.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Limit is a tenant's spend ceiling for one accounting period.
type Limit struct {
	Amount decimal.Decimal `json:"amount" yaml:"amount"`
	Policy Policy          `json:"policy" yaml:"policy"`
}

// NewLimit parses amount and returns a validated limit.
func NewLimit(amount string, policy Policy) (Limit, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Limit{}, sserr.Wrapf(err, sserr.CodeValidation, "budget: invalid limit amount %q", amount)
	}
	l := Limit{Amount: d, Policy: policy}
	return l, l.Validate()
}

// MustLimit is like [NewLimit] but panics on error.
func MustLimit(amount string, policy Policy) Limit {
	l, err := NewLimit(amount, policy)
	if err != nil {
		panic(err)
	}
	return l
}

// Validate checks that the amount is non-negative and the policy known.
func (l Limit) Validate() error {
	if l.Amount.IsNegative() {
		return sserr.Newf(sserr.CodeValidation, "budget: limit must not be negative, got %s", l.Amount)
	}
	if !l.Policy.Valid() {
		return sserr.Newf(sserr.CodeValidation, "budget: invalid policy %q", l.Policy)
	}
	return nil
}

// ceiling returns the highest projected spend the policy admits without a
// denial. ok is false for [PolicyWarn], which has none.
func (l Limit) ceiling() (decimal.Decimal, bool) {
	switch l.Policy {
	case PolicySoftBlock:
		return l.Amount.Mul(SoftBlockTolerance), true
	case PolicyHardBlock:
		return l.Amount, true
	default:
		return decimal.Decimal{}, false
	}
}

func (l Limit) String() string {
	return fmt.Sprintf("%s (%s)", l.Amount, l.Policy)
}
