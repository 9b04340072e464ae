package credits

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store persists channel state and the usage ledger.
//
// Debit must be atomic per (tenant, channel): check and decrement happen under
// one lock, and a repeated ref returns the first outcome without side effects.
type Store interface {
	State(ctx context.Context, tenantID int64, ch Channel) (ChannelState, error)
	Debit(ctx context.Context, tenantID int64, ch Channel, amount int64, ref string, now time.Time) (DebitResult, error)
}

// Meter gates channel usage and settles it after the fact.
type Meter struct {
	store Store
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewMeter(store Store) *Meter {
	return &Meter{store: store, clock: time.Now}
}

// CheckEnabled reports whether the channel is enabled. An unconfigured channel is disabled.
func (m *Meter) CheckEnabled(ctx context.Context, tenantID int64, ch Channel) (bool, error) {
	st, err := m.state(ctx, tenantID, ch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return st.Enabled, nil
}

// HasBalance reports whether any balance remains. Unlimited balances always pass.
func (m *Meter) HasBalance(ctx context.Context, tenantID int64, ch Channel) (bool, error) {
	st, err := m.state(ctx, tenantID, ch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if st.Unlimited() {
		return true, nil
	}
	return *st.Balance > 0, nil
}

// State returns the raw channel state.
func (m *Meter) State(ctx context.Context, tenantID int64, ch Channel) (ChannelState, error) {
	return m.state(ctx, tenantID, ch)
}

// Debit atomically subtracts amount. It returns false with ErrInsufficientCredits
// and leaves the balance unchanged when the balance cannot cover it.
// Repeating a ref returns the original outcome.
func (m *Meter) Debit(ctx context.Context, tenantID int64, ch Channel, amount int64, ref string) (bool, error) {
	if tenantID <= 0 || !ch.Valid() || amount <= 0 || strings.TrimSpace(ref) == "" {
		return false, ErrInvalidArgument
	}
	res, err := m.store.Debit(ctx, tenantID, ch, amount, ref, m.clock().UTC())
	if err != nil {
		return false, err
	}
	if !res.Applied {
		return false, ErrInsufficientCredits
	}
	return true, nil
}

func (m *Meter) state(ctx context.Context, tenantID int64, ch Channel) (ChannelState, error) {
	if tenantID <= 0 || !ch.Valid() {
		return ChannelState{}, ErrInvalidArgument
	}
	return m.store.State(ctx, tenantID, ch)
}
