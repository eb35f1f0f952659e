package persistence

import (
	"context"
	"sort"
	"sync"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/events"
	"github.com/StricklySoft/stricklysoft-pipelines/pkg/models"
)

// MemoryRepository is an in-process [Repository] for tests and single
// process deployments. Records are cloned on the way in and out.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionRecord
	events  map[string][]events.Event
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*models.ExecutionRecord),
		events:  make(map[string][]events.Event),
	}
}

// Save stores a copy of rec, replacing any previous version.
func (m *MemoryRepository) Save(_ context.Context, rec *models.ExecutionRecord) error {
	if rec == nil || rec.ID == "" {
		return sserr.New(sserr.CodeValidationRequired, "persistence: record id is required")
	}
	m.mu.Lock()
	m.records[rec.ID] = rec.Clone()
	m.mu.Unlock()
	return nil
}

// Load returns a copy of the record saved under id.
func (m *MemoryRepository) Load(_ context.Context, id string) (*models.ExecutionRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return rec.Clone(), nil
}

// ListByTenant returns the tenant's records, most recent first.
func (m *MemoryRepository) ListByTenant(_ context.Context, tenantID string, limit int) ([]*models.ExecutionRecord, error) {
	m.mu.RLock()
	var out []*models.ExecutionRecord
	for _, rec := range m.records {
		if rec.TenantID == tenantID {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendEvent implements events.Persister. Re-appending a sequence number
// already stored is ignored.
func (m *MemoryRepository) AppendEvent(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.events[e.ExecutionID] {
		if have.Seq == e.Seq {
			return nil
		}
	}
	m.events[e.ExecutionID] = append(m.events[e.ExecutionID], e)
	return nil
}

// LoadEvents implements events.Persister. Events are returned in Seq
// order.
func (m *MemoryRepository) LoadEvents(_ context.Context, executionID string) ([]events.Event, error) {
	m.mu.RLock()
	out := append([]events.Event(nil), m.events[executionID]...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteEvents implements events.Deleter.
func (m *MemoryRepository) DeleteEvents(_ context.Context, executionID string) error {
	m.mu.Lock()
	delete(m.events, executionID)
	m.mu.Unlock()
	return nil
}

func notFound(id string) error {
	return sserr.Newf(sserr.CodeNotFoundExecution, "persistence: execution %q not found", id).
		WithDetail("execution_id", id)
}
