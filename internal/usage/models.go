package usage

import (
	"errors"
	"time"
)

// Entry is one usage-log row per session: created when the session starts and
// finalized exactly once when it ends.
type Entry struct {
	ID       string `json:"id" db:"id"`
	TenantID int64  `json:"tenant_id" db:"tenant_id"`
	Channel  string `json:"channel" db:"channel"`

	// SessionRef is the call id for voice sessions. Unique.
	SessionRef string `json:"session_ref" db:"session_ref"`
	Recipient  string `json:"recipient" db:"recipient"`

	Status      Status `json:"status" db:"status"`
	CreditsUsed int64  `json:"credits_used" db:"credits_used"`

	// Metadata is stored as JSONB in Postgres.
	Metadata Metadata `json:"metadata" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

type Metadata struct {
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes *int64     `json:"durationMinutes,omitempty"`
	MessageCount    *int       `json:"messageCount,omitempty"`

	// DebitFailed marks sessions whose credit settlement was refused.
	DebitFailed bool `json:"debitFailed,omitempty"`
}

// FinishInput carries the end-of-session values.
type FinishInput struct {
	CreditsUsed     int64
	EndedAt         time.Time
	DurationMinutes int64
	MessageCount    int
	DebitFailed     bool
}

// Summary aggregates usage for a tenant over a time range.
type Summary struct {
	TenantID int64     `json:"tenant_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`

	Sessions           int     `json:"sessions"`
	CompletedSessions  int     `json:"completed_sessions"`
	InProgressSessions int     `json:"in_progress_sessions"`
	CreditsUsed        int64   `json:"credits_used"`
	AverageMinutes     float64 `json:"average_minutes"`
}

var (
	ErrNotFound         = errors.New("usage: entry not found")
	ErrAlreadyFinalized = errors.New("usage: entry already finalized")
	ErrAlreadyExists    = errors.New("usage: entry already exists")
	ErrInvalidEntry     = errors.New("usage: invalid entry")
	ErrInvalidRequest   = errors.New("usage: invalid request")
)
