package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	entries map[string]Entry
	writes  int
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{entries: map[string]Entry{}} }

func (r *MemoryRepo) Insert(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.SessionRef]; ok {
		return ErrAlreadyExists
	}
	r.entries[e.SessionRef] = e
	r.writes++
	return nil
}

func (r *MemoryRepo) Complete(ctx context.Context, sessionRef string, in FinishInput, now time.Time) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionRef]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusInProgress {
		return e, ErrAlreadyFinalized
	}
	applyFinish(&e, in, now)
	r.entries[sessionRef] = e
	r.writes++
	return e, nil
}

func (r *MemoryRepo) Get(ctx context.Context, sessionRef string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionRef]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (r *MemoryRepo) List(ctx context.Context, tenantID int64, from, to time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.TenantID != tenantID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Writes counts successful inserts and completions.
func (r *MemoryRepo) Writes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// Entries returns a snapshot of all entries.
func (r *MemoryRepo) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
