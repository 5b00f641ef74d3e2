package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/applytrack/backend/internal/models"
)

// Memory is an in-process Source. It keeps deep copies so callers never
// share records with it.
type Memory struct {
	mu      sync.Mutex
	records map[models.UUID]*models.ApplicationRecord
	err     error
}

var _ Source = (*Memory)(nil)

// NewMemory creates a Memory seeded with records.
func NewMemory(records ...*models.ApplicationRecord) *Memory {
	m := &Memory{records: make(map[models.UUID]*models.ApplicationRecord)}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
	}
	return m
}

// FailWith makes every subsequent call return err; nil clears it.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FetchAll returns copies of every record ordered by identity.
func (m *Memory) FetchAll(ctx context.Context) ([]*models.ApplicationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make([]*models.ApplicationRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert stores copies of records.
func (m *Memory) Upsert(ctx context.Context, records []*models.ApplicationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, r := range records {
		m.records[r.ID] = r.Clone()
	}
	return nil
}
