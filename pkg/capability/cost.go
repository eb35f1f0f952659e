package capability

import (
	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// CostUnit is the billing unit of a provider's cost model.
type CostUnit string

const (
	// PerToken bills per model token.
	PerToken CostUnit = "per_token"

	// PerMinute bills per minute of audio or compute.
	PerMinute CostUnit = "per_minute"

	// PerCharacter bills per input character.
	PerCharacter CostUnit = "per_character"

	// PerRequest bills a flat rate per invocation regardless of size.
	PerRequest CostUnit = "per_request"
)

// Valid reports whether u is a recognized cost unit.
func (u CostUnit) Valid() bool {
	switch u {
	case PerToken, PerMinute, PerCharacter, PerRequest:
		return true
	default:
		return false
	}
}

// CostModel describes how a provider bills. All amounts are in the
// engine's single accounting currency.
type CostModel struct {
	// Unit is the billing unit.
	Unit CostUnit `json:"unit" yaml:"unit"`

	// Rate is the price of one unit.
	Rate decimal.Decimal `json:"rate" yaml:"rate"`
}

// NewCostModel returns a cost model for unit priced at rate, where rate is
// a decimal string such as "0.006".
func NewCostModel(unit CostUnit, rate string) (CostModel, error) {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return CostModel{}, sserr.Wrapf(err, sserr.CodeValidationFormat, "capability: invalid rate %q", rate)
	}
	m := CostModel{Unit: unit, Rate: d}
	if err := m.Validate(); err != nil {
		return CostModel{}, err
	}
	return m, nil
}

// MustCostModel is like [NewCostModel] but panics on error. It is meant
// for package-level provider tables.
func MustCostModel(unit CostUnit, rate string) CostModel {
	m, err := NewCostModel(unit, rate)
	if err != nil {
		panic(err)
	}
	return m
}

// Validate checks the unit and rejects negative rates.
func (m CostModel) Validate() error {
	if !m.Unit.Valid() {
		return sserr.Newf(sserr.CodeValidation, "capability: unknown cost unit %q", m.Unit)
	}
	if m.Rate.IsNegative() {
		return sserr.Newf(sserr.CodeValidationRange, "capability: cost rate must not be negative, got %s", m.Rate)
	}
	return nil
}

// Estimate returns the cost of processing sizeHint units. Flat-rate models
// ignore the size; negative sizes are treated as zero.
func (m CostModel) Estimate(sizeHint int64) decimal.Decimal {
	if m.Unit == PerRequest {
		return m.Rate
	}
	if sizeHint <= 0 {
		return decimal.Zero
	}
	return m.Rate.Mul(decimal.NewFromInt(sizeHint))
}

// String returns a compact representation such as "0.006/per_minute".
func (m CostModel) String() string {
	return m.Rate.String() + "/" + string(m.Unit)
}
