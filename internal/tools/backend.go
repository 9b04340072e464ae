package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Backend is the business-action collaborator. Implementations scope every
// operation to tenantID and provide their own concurrency safety.
type Backend interface {
	CheckAvailability(ctx context.Context, tenantID int64, q StayQuery) (Availability, error)
	CreateReservation(ctx context.Context, tenantID int64, r Reservation) (Reservation, error)
	LookupReservations(ctx context.Context, tenantID int64, q ReservationQuery) ([]Reservation, error)
	CancelReservation(ctx context.Context, tenantID int64, code string) (Reservation, error)
	TakeMessage(ctx context.Context, tenantID int64, m CallerMessage) (CallerMessage, error)
}

type StayQuery struct {
	Checkin  time.Time
	Checkout time.Time
	Guests   int
}

func (q StayQuery) Nights() int {
	return int(q.Checkout.Sub(q.Checkin).Hours() / 24)
}

type Availability struct {
	Available bool `json:"available"`
	UnitsLeft int  `json:"unitsLeft"`
	Nights    int  `json:"nights"`
}

type ReservationStatus string

const (
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	Code          string            `json:"code" db:"code"`
	TenantID      int64             `json:"-" db:"tenant_id"`
	CustomerName  string            `json:"customerName" db:"customer_name"`
	CustomerPhone string            `json:"customerPhone" db:"customer_phone"`
	CustomerEmail string            `json:"customerEmail,omitempty" db:"customer_email"`
	Checkin       time.Time         `json:"-" db:"checkin"`
	Checkout      time.Time         `json:"-" db:"checkout"`
	Guests        int               `json:"guests" db:"guests"`
	Notes         string            `json:"notes,omitempty" db:"notes"`
	Status        ReservationStatus `json:"status" db:"status"`
	CallID        string            `json:"-" db:"call_id"`
	CreatedAt     time.Time         `json:"-" db:"created_at"`
}

// View is the model-facing rendering with plain dates.
func (r Reservation) View() map[string]any {
	v := map[string]any{
		"code":          r.Code,
		"customerName":  r.CustomerName,
		"customerPhone": r.CustomerPhone,
		"checkin":       r.Checkin.Format(dateLayout),
		"checkout":      r.Checkout.Format(dateLayout),
		"guests":        r.Guests,
		"status":        r.Status,
	}
	if r.CustomerEmail != "" {
		v["customerEmail"] = r.CustomerEmail
	}
	if r.Notes != "" {
		v["notes"] = r.Notes
	}
	return v
}

type ReservationQuery struct {
	Code          string
	CustomerName  string
	CustomerPhone string
}

type CallerMessage struct {
	ID          string    `json:"id" db:"id"`
	TenantID    int64     `json:"-" db:"tenant_id"`
	CallID      string    `json:"-" db:"call_id"`
	CallerName  string    `json:"callerName" db:"caller_name"`
	CallerPhone string    `json:"callerPhone,omitempty" db:"caller_phone"`
	Body        string    `json:"message" db:"body"`
	Urgency     string    `json:"urgency" db:"urgency"`
	CreatedAt   time.Time `json:"-" db:"created_at"`
}

var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrAlreadyCancelled    = errors.New("reservation is already cancelled")
	ErrNoAvailability      = errors.New("no availability for the requested dates")
)

const dateLayout = "2006-01-02"

// newReservationCode returns a short code that is easy to read out loud.
func newReservationCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "R" + strings.ToUpper(id[:6])
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r == '+' && b.Len() == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func overlaps(aIn, aOut, bIn, bOut time.Time) bool {
	return aIn.Before(bOut) && bIn.Before(aOut)
}
