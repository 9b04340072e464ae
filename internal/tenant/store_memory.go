package tenant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[int64]Tenant
	numbers map[string]int64
}

func NewMemoryStore(ts ...Tenant) *MemoryStore {
	s := &MemoryStore{tenants: map[int64]Tenant{}, numbers: map[string]int64{}}
	for _, t := range ts {
		s.Put(t)
	}
	return s
}

// Put inserts or replaces a tenant and indexes its phone numbers.
func (s *MemoryStore) Put(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tenants[t.ID]; ok {
		for _, n := range old.PhoneNumbers {
			delete(s.numbers, NormalizeNumber(n))
		}
	}
	s.tenants[t.ID] = t
	for _, n := range t.PhoneNumbers {
		s.numbers[NormalizeNumber(n)] = t.ID
	}
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ResolveNumber(ctx context.Context, number string) (int64, error) {
	n := NormalizeNumber(number)
	if n == "" {
		return 0, ErrInvalidArgument
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.numbers[n]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}
