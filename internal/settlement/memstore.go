package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used when no database is configured
// and in tests. Records are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store.
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Reference]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Reference)
	}
	m.records[rec.Reference] = rec.Clone()
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, reference string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[reference]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, reference)
	}
	return rec.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(_ context.Context, rec *Record, expected State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.Reference]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.Reference)
	}
	if cur.State != expected || cur.Version != rec.Version {
		return fmt.Errorf("%w: %s expected %s at version %d", ErrConflict, rec.Reference, expected, rec.Version)
	}

	next := rec.Clone()
	if cur.HasCard() {
		next.VendorOrderID = cur.VendorOrderID
		next.CardNumber = cur.CardNumber
		next.CardPin = cur.CardPin
		next.CardValidity = cur.CardValidity
		next.CardIssuedAt = cur.CardIssuedAt
		next.IssuedAmount = cur.IssuedAmount
	}
	next.Version = cur.Version + 1
	m.records[rec.Reference] = next
	rec.Version = next.Version
	return nil
}

// ListByState implements Store.
func (m *MemoryStore) ListByState(_ context.Context, state State, olderThan time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.State == state && rec.UpdatedAt.Before(olderThan) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
