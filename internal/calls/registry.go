package calls

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrAlreadyExists = errors.New("calls: session already registered")
	ErrInvalidCallID = errors.New("calls: call id is required")
)

// Registry is the process-wide set of live sessions, keyed by call id.
//
// A session is added once setup has succeeded and removed during teardown.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Tracked
	clock    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{sessions: map[string]Tracked{}, clock: time.Now}
}

// Register inserts s. It fails with ErrAlreadyExists if the call id is
// already present, leaving the existing entry untouched.
func (r *Registry) Register(s Tracked) error {
	id := strings.TrimSpace(s.CallID())
	if id == "" {
		return ErrInvalidCallID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrAlreadyExists
	}
	r.sessions[id] = s
	return nil
}

// Unregister removes callID. Removing an absent id is a no-op. It reports
// whether an entry was removed.
func (r *Registry) Unregister(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return false
	}
	delete(r.sessions, callID)
	return true
}

func (r *Registry) Get(callID string) (Tracked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List snapshots the registered sessions, oldest first. Durations are
// computed at call time.
func (r *Registry) List() []ActiveCall {
	r.mu.RLock()
	snap := make([]Tracked, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap = append(snap, s)
	}
	r.mu.RUnlock()

	now := r.clock()
	out := make([]ActiveCall, 0, len(snap))
	for _, s := range snap {
		started := s.StartedAt()
		secs := int(now.Sub(started) / time.Second)
		if secs < 0 {
			secs = 0
		}
		out = append(out, ActiveCall{
			CallID:          s.CallID(),
			TenantID:        s.TenantID(),
			Caller:          s.Caller(),
			State:           s.State(),
			StartedAt:       started,
			DurationSeconds: secs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// ListTenant is List restricted to one tenant.
func (r *Registry) ListTenant(tenantID int64) []ActiveCall {
	all := r.List()
	out := all[:0]
	for _, c := range all {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}
