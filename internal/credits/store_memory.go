package credits

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type channelKey struct {
	tenantID int64
	channel  Channel
}

// MemoryStore is an in-memory Store for tests and local runs.
type MemoryStore struct {
	mu     sync.Mutex
	states map[channelKey]ChannelState
	ledger []LedgerEntry
	byRef  map[string]int // ledger index by tenant/channel/ref
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[channelKey]ChannelState{}, byRef: map[string]int{}}
}

// Set configures a channel. A nil balance means unlimited.
func (s *MemoryStore) Set(tenantID int64, ch Channel, enabled bool, balance *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b *int64
	if balance != nil {
		v := *balance
		b = &v
	}
	s.states[channelKey{tenantID, ch}] = ChannelState{TenantID: tenantID, Channel: ch, Enabled: enabled, Balance: b}
}

func (s *MemoryStore) State(ctx context.Context, tenantID int64, ch Channel) (ChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[channelKey{tenantID, ch}]
	if !ok {
		return ChannelState{}, ErrNotFound
	}
	return copyState(st), nil
}

func (s *MemoryStore) Debit(ctx context.Context, tenantID int64, ch Channel, amount int64, ref string, now time.Time) (DebitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := channelKey{tenantID, ch}
	st, ok := s.states[k]
	if !ok {
		return DebitResult{}, ErrNotFound
	}

	refKey := fmt.Sprintf("%d/%s/%s", tenantID, ch, ref)
	if i, ok := s.byRef[refKey]; ok {
		return DebitResult{
			Applied:  s.ledger[i].Type == LedgerEntryTypeDebit,
			Replayed: true,
			Balance:  copyState(st).Balance,
		}, nil
	}

	entry := LedgerEntry{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Channel:        ch,
		Type:           LedgerEntryTypeDebit,
		Amount:         -amount,
		IdempotencyKey: ref,
		CreatedAt:      now,
	}
	if st.Balance != nil {
		if *st.Balance < amount {
			entry.Type = LedgerEntryTypeDebitRejected
			entry.Amount = 0
		} else {
			nb := *st.Balance - amount
			st.Balance = &nb
			st.UpdatedAt = now
			s.states[k] = st
		}
	}
	s.ledger = append(s.ledger, entry)
	s.byRef[refKey] = len(s.ledger) - 1

	return DebitResult{Applied: entry.Type == LedgerEntryTypeDebit, Balance: copyState(st).Balance}, nil
}

// Ledger returns a copy of all entries.
func (s *MemoryStore) Ledger() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.ledger))
	copy(out, s.ledger)
	return out
}

func copyState(st ChannelState) ChannelState {
	if st.Balance != nil {
		v := *st.Balance
		st.Balance = &v
	}
	return st
}
