package credits

import (
	"errors"
	"time"
)

// Channel is a metered communication medium with its own balance.
type Channel string

const (
	ChannelVoice    Channel = "voice"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelVoice, ChannelSMS, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// ChannelState is a tenant's enablement and remaining balance on one channel.
//
// Balance nil means unlimited. Balance is a projection of the ledger; it never
// changes without a corresponding LedgerEntry.
type ChannelState struct {
	TenantID int64   `json:"tenant_id" db:"tenant_id"`
	Channel  Channel `json:"channel" db:"channel"`
	Enabled  bool    `json:"enabled" db:"enabled"`
	Balance  *int64  `json:"balance" db:"balance"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (s ChannelState) Unlimited() bool { return s.Balance == nil }

// LedgerEntry is an immutable append-only usage record.
type LedgerEntry struct {
	ID       string          `json:"id" db:"id"`
	TenantID int64           `json:"tenant_id" db:"tenant_id"`
	Channel  Channel         `json:"channel" db:"channel"`
	Type     LedgerEntryType `json:"type" db:"type"`

	// Amount is signed: debits are negative, rejected debits are zero.
	Amount int64 `json:"amount" db:"amount"`

	// IdempotencyKey is the session reference (the call id for voice).
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeDebit         LedgerEntryType = "debit"
	LedgerEntryTypeDebitRejected LedgerEntryType = "debit_rejected"
)

// DebitResult reports the outcome of a debit.
type DebitResult struct {
	Applied bool

	// Replayed is true when the ref was already settled; nothing changed.
	Replayed bool

	// Balance after the operation; nil means unlimited.
	Balance *int64
}

var (
	ErrNotFound            = errors.New("credits: channel not configured")
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	ErrInvalidArgument     = errors.New("credits: invalid argument")
	ErrDuplicateRef        = errors.New("credits: duplicate idempotency key")
)
