// Package budget tracks per-tenant spend and answers budget pre-checks.
//
// A [Service] holds the configured [Limit] of every tenant and a
// [SpendStore] holding the materialized spend counters, one per tenant and
// accounting period. Checks read only the counter, never recompute spend
// from history, and are bounded by a timeout so a slow store cannot stall
// a pipeline step.
//
//	svc := budget.NewService(budget.NewMemoryStore(),
//	    budget.WithLimits(map[string]budget.Limit{
//	        "acme": budget.MustLimit("100", budget.PolicyHardBlock),
//	    }),
//	)
//	res, err := svc.CheckBudget(ctx, "acme", estimate)
//	if err == nil && !res.Allowed {
//	    return res.Err()
//	}
package budget

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// DefaultCheckTimeout bounds each spend lookup.
const DefaultCheckTimeout = 250 * time.Millisecond

// PeriodFunc maps an instant to an accounting period label.
type PeriodFunc func(time.Time) string

// MonthlyPeriod labels periods by UTC calendar month ("2026-10").
func MonthlyPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Option configures a [Service].
type Option func(*Service)

// WithDefaultLimit applies l to tenants without an explicit limit. Without
// it such tenants are unlimited.
func WithDefaultLimit(l Limit) Option {
	return func(s *Service) {
		s.defaultLimit = &l
	}
}

// WithLimits sets explicit per-tenant limits.
func WithLimits(limits map[string]Limit) Option {
	return func(s *Service) {
		for tenant, l := range limits {
			s.limits[tenant] = l
		}
	}
}

// WithPeriod replaces the accounting period function.
func WithPeriod(fn PeriodFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.period = fn
		}
	}
}

// WithCheckTimeout bounds store reads during CheckBudget.
func WithCheckTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.checkTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service answers budget checks and records spend. It is safe for
// concurrent use.
type Service struct {
	store        SpendStore
	mu           sync.RWMutex
	limits       map[string]Limit
	defaultLimit *Limit
	period       PeriodFunc
	checkTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a Service over store.
func NewService(store SpendStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		limits:       make(map[string]Limit),
		period:       MonthlyPeriod,
		checkTimeout: DefaultCheckTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromConfig creates a Service from a loaded [Config].
func NewServiceFromConfig(store SpendStore, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base := []Option{WithCheckTimeout(cfg.CheckTimeout), WithLimits(cfg.TenantLimits())}
	if l, ok := cfg.Default(); ok {
		base = append(base, WithDefaultLimit(l))
	}
	return NewService(store, append(base, opts...)...), nil
}

// SetLimit sets or replaces the limit of tenantID.
func (s *Service) SetLimit(tenantID string, l Limit) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.limits[tenantID] = l
	s.mu.Unlock()
	return nil
}

// RemoveLimit drops the explicit limit of tenantID, falling back to the
// default limit if one is configured.
func (s *Service) RemoveLimit(tenantID string) {
	s.mu.Lock()
	delete(s.limits, tenantID)
	s.mu.Unlock()
}

// Limit returns the effective limit of tenantID. ok is false for
// unlimited tenants.
func (s *Service) Limit(tenantID string) (Limit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.limits[tenantID]; ok {
		return l, true
	}
	if s.defaultLimit != nil {
		return *s.defaultLimit, true
	}
	return Limit{}, false
}

// Period returns the current accounting period label.
func (s *Service) Period() string {
	return s.period(s.now())
}

// CheckBudget reports whether tenantID may incur estimate now.
//
// Under [PolicyWarn] the charge is always allowed and Warning is set when
// the projected spend exceeds the limit. [PolicySoftBlock] allows while
// spend + estimate <= limit * [SoftBlockTolerance]; [PolicyHardBlock]
// allows while spend + estimate <= limit. Tenants without a limit are
// always allowed.
//
// A store failure is returned as an error together with a result that is
// Allowed only under [PolicyWarn].
func (s *Service) CheckBudget(ctx context.Context, tenantID string, estimate decimal.Decimal) (CheckResult, error) {
	if tenantID == "" {
		return CheckResult{}, sserr.New(sserr.CodeValidationRequired, "budget: tenant ID is required")
	}
	if estimate.IsNegative() {
		estimate = decimal.Zero
	}

	res := CheckResult{
		TenantID: tenantID,
		Period:   s.Period(),
		Estimate: estimate,
		Spend:    decimal.Zero,
		Limit:    decimal.Zero,
	}

	limit, ok := s.Limit(tenantID)
	if !ok {
		res.Allowed = true
		res.Unlimited = true
		return res, nil
	}
	res.Limit = limit.Amount
	res.Policy = limit.Policy

	spend, err := s.current(ctx, tenantID, res.Period)
	if err != nil {
		res.Allowed = limit.Policy == PolicyWarn
		s.logger.WarnContext(ctx, "budget: spend lookup failed",
			"tenant", tenantID,
			"period", res.Period,
			"policy", limit.Policy.String(),
			"error", err,
		)
		return res, err
	}
	res.Spend = spend

	projected := res.Projected()
	over := projected.GreaterThan(limit.Amount)
	if ceiling, blocking := limit.ceiling(); blocking {
		res.Allowed = projected.LessThanOrEqual(ceiling)
	} else {
		res.Allowed = true
	}
	res.Warning = res.Allowed && over

	if !res.Allowed {
		s.logger.InfoContext(ctx, "budget: charge denied",
			"tenant", tenantID,
			"spend", spend.String(),
			"estimate", estimate.String(),
			"limit", limit.Amount.String(),
			"policy", limit.Policy.String(),
		)
	}
	return res, nil
}

func (s *Service) current(ctx context.Context, tenantID, period string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
	defer cancel()
	micros, err := s.store.Current(ctx, SpendKey{TenantID: tenantID, Period: period})
	if err != nil {
		return decimal.Zero, wrapStoreError(err, "budget: spend lookup failed")
	}
	return FromMicros(micros), nil
}

// RecordSpend atomically adds amount to the tenant's spend for the current
// period and returns the new total. Non-positive amounts are no-ops that
// return the current total.
func (s *Service) RecordSpend(ctx context.Context, tenantID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if tenantID == "" {
		return decimal.Zero, sserr.New(sserr.CodeValidationRequired, "budget: tenant ID is required")
	}
	key := SpendKey{TenantID: tenantID, Period: s.Period()}
	if !amount.IsPositive() {
		micros, err := s.store.Current(ctx, key)
		if err != nil {
			return decimal.Zero, wrapStoreError(err, "budget: spend lookup failed")
		}
		return FromMicros(micros), nil
	}
	micros, err := s.store.Increment(ctx, key, ToMicros(amount))
	if err != nil {
		return decimal.Zero, wrapStoreError(err, "budget: spend increment failed")
	}
	return FromMicros(micros), nil
}

// Spend returns the tenant's recorded spend for the current period.
func (s *Service) Spend(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	return s.current(ctx, tenantID, s.Period())
}

// wrapStoreError keeps structured store errors and classifies the rest.
func wrapStoreError(err error, message string) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
