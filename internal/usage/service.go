package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository persists usage entries.
//
// Complete must finalize atomically: only an in-progress entry transitions to
// completed, any other state yields ErrAlreadyFinalized and writes nothing.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	Complete(ctx context.Context, sessionRef string, in FinishInput, now time.Time) (Entry, error)
	Get(ctx context.Context, sessionRef string) (Entry, error)
	List(ctx context.Context, tenantID int64, from, to time.Time) ([]Entry, error)
}

// Service writes the usage log.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Start records an in-progress entry.
func (s *Service) Start(ctx context.Context, e Entry) (Entry, error) {
	if s.repo == nil {
		return Entry{}, errors.New("usage: repository not configured")
	}
	if e.TenantID <= 0 || strings.TrimSpace(e.SessionRef) == "" || e.Channel == "" {
		return Entry{}, ErrInvalidEntry
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = StatusInProgress
	e.CreditsUsed = 0
	if e.Metadata.StartedAt.IsZero() {
		e.Metadata.StartedAt = now
	}
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := s.repo.Insert(ctx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Finish finalizes the entry for sessionRef. A second call returns ErrAlreadyFinalized.
func (s *Service) Finish(ctx context.Context, sessionRef string, in FinishInput) (Entry, error) {
	if s.repo == nil {
		return Entry{}, errors.New("usage: repository not configured")
	}
	if strings.TrimSpace(sessionRef) == "" || in.CreditsUsed < 0 {
		return Entry{}, ErrInvalidEntry
	}
	now := s.clock().UTC()
	if in.EndedAt.IsZero() {
		in.EndedAt = now
	}
	return s.repo.Complete(ctx, sessionRef, in, now)
}

// Summary aggregates a tenant's usage in [from, to).
func (s *Service) Summary(ctx context.Context, tenantID int64, from, to time.Time) (Summary, error) {
	if tenantID <= 0 {
		return Summary{}, ErrInvalidRequest
	}
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("usage: repository not configured")
	}

	rows, err := s.repo.List(ctx, tenantID, from, to)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{TenantID: tenantID, From: from, To: to}
	var minutes int64
	for _, e := range rows {
		out.Sessions++
		out.CreditsUsed += e.CreditsUsed
		switch e.Status {
		case StatusCompleted:
			out.CompletedSessions++
			if e.Metadata.DurationMinutes != nil {
				minutes += *e.Metadata.DurationMinutes
			}
		case StatusInProgress:
			out.InProgressSessions++
		}
	}
	if out.CompletedSessions > 0 {
		out.AverageMinutes = float64(minutes) / float64(out.CompletedSessions)
	}
	return out, nil
}

func applyFinish(e *Entry, in FinishInput, now time.Time) {
	ended := in.EndedAt
	mins := in.DurationMinutes
	count := in.MessageCount
	e.Status = StatusCompleted
	e.CreditsUsed = in.CreditsUsed
	e.Metadata.EndedAt = &ended
	e.Metadata.DurationMinutes = &mins
	e.Metadata.MessageCount = &count
	e.Metadata.DebitFailed = in.DebitFailed
	e.UpdatedAt = now
}
