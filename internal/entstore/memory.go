package entstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func memKey(tenantID, productID, userID string) string {
	return tenantID + "\x00" + productID + "\x00" + userID
}

// Get retrieves the row for (tenant, product, user). Returns (nil, nil) when
// absent.
func (s *MemoryStore) Get(_ context.Context, tenantID, productID, userID string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[memKey(tenantID, productID, userID)]
	if !ok {
		return nil, nil
	}
	cp := r
	return &cp, nil
}

// Put fully replaces the row for its key.
func (s *MemoryStore) Put(_ context.Context, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row.UpdatedAt = time.Now().UTC()
	s.rows[memKey(row.TenantID, row.ProductID, row.UserID)] = *row
	return nil
}

// Len returns the number of stored rows, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
