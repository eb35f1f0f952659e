package capability

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// DefaultReferenceSizeHint is the input size used to compare the cost of
// candidates when ranking providers of equal quality.
const DefaultReferenceSizeHint int64 = 1000

// Registration associates a provider with the capabilities it satisfies,
// its quality tier, its cost model and the adapter used to invoke it.
type Registration struct {
	// ProviderID uniquely identifies the provider (e.g. "whisper-large").
	ProviderID string

	// Capabilities is the set of capabilities the provider satisfies.
	Capabilities []Capability

	// QualityTier ranks providers; higher tiers are tried first.
	QualityTier int

	// CostModel prices invocations for estimates and tie-breaks.
	CostModel CostModel

	// Adapter invokes the provider.
	Adapter Adapter
}

// Supports reports whether the registration satisfies c.
func (r Registration) Supports(c Capability) bool {
	for _, have := range r.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

func (r Registration) clone() Registration {
	caps := make([]Capability, len(r.Capabilities))
	copy(caps, r.Capabilities)
	r.Capabilities = caps
	return r
}

func (r Registration) validate() error {
	if r.ProviderID == "" {
		return sserr.New(sserr.CodeValidationRequired, "capability: provider id must not be empty")
	}
	if len(r.Capabilities) == 0 {
		return sserr.Newf(sserr.CodeValidationRequired,
			"capability: provider %q must declare at least one capability", r.ProviderID)
	}
	for _, c := range r.Capabilities {
		if !c.Valid() {
			return sserr.Newf(sserr.CodeValidationFormat,
				"capability: provider %q declares unknown capability %q", r.ProviderID, c).
				WithDetail("provider", r.ProviderID)
		}
	}
	if r.Adapter == nil {
		return sserr.Newf(sserr.CodeValidationRequired,
			"capability: provider %q has no adapter", r.ProviderID)
	}
	if err := r.CostModel.Validate(); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidationFormat,
			"capability: provider %q has an invalid cost model", r.ProviderID)
	}
	return nil
}

// RegisterOption configures a single [Registry.Register] call.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	replace bool
}

// WithReplace allows a registration to replace an existing provider with
// the same id even when the capability sets differ.
func WithReplace() RegisterOption {
	return func(o *registerOptions) { o.replace = true }
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithReferenceSizeHint sets the input size used for the cost tie-break.
func WithReferenceSizeHint(n int64) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.referenceSize = n
		}
	}
}

// WithRegistryLogger sets the logger used for registration events.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry maps capabilities to ranked provider registrations.
type Registry struct {
	mu            sync.RWMutex
	providers     map[string]Registration
	referenceSize int64
	logger        *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers:     make(map[string]Registration),
		referenceSize: DefaultReferenceSizeHint,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a provider registration.
//
// Re-registering a provider with the same capability set replaces its
// quality tier, cost model and adapter. Re-registering with a different
// capability set fails with [sserr.CodeConflictDuplicateProvider] unless
// [WithReplace] is passed.
func (r *Registry) Register(reg Registration, opts ...RegisterOption) error {
	if err := reg.validate(); err != nil {
		return err
	}
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}
	reg = reg.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.providers[reg.ProviderID]; ok && !o.replace && !sameCapabilities(existing.Capabilities, reg.Capabilities) {
		return sserr.DuplicateProvider(reg.ProviderID)
	}
	r.providers[reg.ProviderID] = reg
	r.logger.Debug("capability: provider registered",
		"provider", reg.ProviderID,
		"capabilities", reg.Capabilities,
		"quality_tier", reg.QualityTier,
		"cost_model", reg.CostModel.String(),
	)
	return nil
}

// Unregister removes a provider and reports whether it was registered.
func (r *Registry) Unregister(providerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.providers[providerID]
	delete(r.providers, providerID)
	return ok
}

// Lookup returns the registration for providerID.
func (r *Registry) Lookup(providerID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[providerID]
	if !ok {
		return Registration{}, false
	}
	return reg.clone(), true
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// Providers returns every registration ordered by provider id.
func (r *Registry) Providers() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.providers))
	for _, reg := range r.providers {
		out = append(out, reg.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

// ProvidersFor returns every provider satisfying c, ordered by the
// caller's preference list first, then by descending quality tier, then by
// ascending estimated cost, with the provider id as a final deterministic
// tie-break. Preferred ids that are unregistered or not capable are
// ignored.
func (r *Registry) ProvidersFor(c Capability, preferred ...string) []Registration {
	r.mu.RLock()
	candidates := make([]Registration, 0, len(r.providers))
	for _, reg := range r.providers {
		if reg.Supports(c) {
			candidates = append(candidates, reg.clone())
		}
	}
	refSize := r.referenceSize
	r.mu.RUnlock()

	rank := make(map[string]int, len(preferred))
	for i, id := range preferred {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	costs := make(map[string]decimal.Decimal, len(candidates))
	for _, reg := range candidates {
		costs[reg.ProviderID] = reg.CostModel.Estimate(refSize)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ra, aPreferred := rank[a.ProviderID]
		rb, bPreferred := rank[b.ProviderID]
		switch {
		case aPreferred && bPreferred:
			return ra < rb
		case aPreferred != bPreferred:
			return aPreferred
		}
		if a.QualityTier != b.QualityTier {
			return a.QualityTier > b.QualityTier
		}
		if cmp := costs[a.ProviderID].Cmp(costs[b.ProviderID]); cmp != 0 {
			return cmp < 0
		}
		return a.ProviderID < b.ProviderID
	})
	return candidates
}

// BuildFallbackChain returns the ordered candidates a step walks: the
// first of the preferred providers that is registered and capable (or the
// best-ranked provider when none is), followed by up to maxFallbacks
// alternates in [Registry.ProvidersFor] order. A negative maxFallbacks is
// treated as zero.
//
// It fails with [sserr.CodeNoProviderAvailable] when no provider satisfies
// c.
func (r *Registry) BuildFallbackChain(c Capability, preferred []string, maxFallbacks int) ([]Registration, error) {
	ordered := r.ProvidersFor(c, preferred...)
	if len(ordered) == 0 {
		return nil, sserr.NoProviderAvailable(string(c))
	}
	if maxFallbacks < 0 {
		maxFallbacks = 0
	}
	if limit := 1 + maxFallbacks; len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

// EstimateCost prices sizeHint units of c on providerID without invoking
// the provider.
func (r *Registry) EstimateCost(providerID string, c Capability, sizeHint int64) (decimal.Decimal, error) {
	r.mu.RLock()
	reg, ok := r.providers[providerID]
	r.mu.RUnlock()
	if !ok {
		return decimal.Zero, sserr.Newf(sserr.CodeNotFoundProvider, "capability: provider %q is not registered", providerID).
			WithDetail("provider", providerID)
	}
	if !reg.Supports(c) {
		return decimal.Zero, sserr.Newf(sserr.CodeValidation,
			"capability: provider %q does not satisfy %q", providerID, c).
			WithDetail("provider", providerID)
	}
	return reg.CostModel.Estimate(sizeHint), nil
}

func sameCapabilities(a, b []Capability) bool {
	set := make(map[Capability]bool, len(a))
	for _, c := range a {
		set[c] = true
	}
	other := make(map[Capability]bool, len(b))
	for _, c := range b {
		if !set[c] {
			return false
		}
		other[c] = true
	}
	return len(set) == len(other)
}
