package budget

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// microScale is the number of decimal places kept by spend stores.
// Amounts are stored as integer micro-units so increments stay atomic on
// every back-end.
const microScale = 6

// ToMicros converts an amount to integer micro-units, rounding half away
// from zero at the sixth decimal place.
func ToMicros(d decimal.Decimal) int64 {
	return d.Shift(microScale).Round(0).IntPart()
}

// FromMicros converts integer micro-units back to an amount.
func FromMicros(n int64) decimal.Decimal {
	return decimal.New(n, -microScale)
}

// SpendKey identifies one tenant's counter for one accounting period.
type SpendKey struct {
	TenantID string
	Period   string
}

// SpendStore is a per-key atomic spend counter in micro-units.
//
// Increment must be atomic with respect to concurrent Increment and
// Current calls on the same key: the value returned by Current never
// decreases and always equals the sum of completed increments.
type SpendStore interface {
	// Increment adds micros to the counter and returns the new total.
	Increment(ctx context.Context, key SpendKey, micros int64) (int64, error)

	// Current returns the counter value, zero for unknown keys.
	Current(ctx context.Context, key SpendKey) (int64, error)
}

// MemoryStore is an in-process [SpendStore]. Each counter is an
// [atomic.Int64]; the map of counters is guarded by a RWMutex so the
// increment path only takes the read lock once a key exists.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[SpendKey]*atomic.Int64
}

var _ SpendStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory spend store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[SpendKey]*atomic.Int64)}
}

func (s *MemoryStore) counter(key SpendKey) *atomic.Int64 {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok = s.counters[key]; !ok {
		c = new(atomic.Int64)
		s.counters[key] = c
	}
	return c
}

// Increment implements [SpendStore].
func (s *MemoryStore) Increment(ctx context.Context, key SpendKey, micros int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.counter(key).Add(micros), nil
}

// Current implements [SpendStore].
func (s *MemoryStore) Current(ctx context.Context, key SpendKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return c.Load(), nil
}

// Reset removes every counter of tenantID, all periods included.
func (s *MemoryStore) Reset(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.counters {
		if k.TenantID == tenantID {
			delete(s.counters, k)
		}
	}
}
