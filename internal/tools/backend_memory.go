package tools

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is an in-memory Backend for tests and local runs.
// Every tenant has the same number of bookable units per night.
type MemoryBackend struct {
	mu           sync.Mutex
	capacity     int
	reservations map[int64][]Reservation
	messages     map[int64][]CallerMessage
	clock        func() time.Time
}

func NewMemoryBackend(capacity int) *MemoryBackend {
	if capacity <= 0 {
		capacity = 10
	}
	return &MemoryBackend{
		capacity:     capacity,
		reservations: map[int64][]Reservation{},
		messages:     map[int64][]CallerMessage{},
		clock:        time.Now,
	}
}

func (b *MemoryBackend) CheckAvailability(ctx context.Context, tenantID int64, q StayQuery) (Availability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	left := b.capacity - b.overlapping(tenantID, q.Checkin, q.Checkout)
	if left < 0 {
		left = 0
	}
	return Availability{Available: left > 0, UnitsLeft: left, Nights: q.Nights()}, nil
}

func (b *MemoryBackend) CreateReservation(ctx context.Context, tenantID int64, r Reservation) (Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overlapping(tenantID, r.Checkin, r.Checkout) >= b.capacity {
		return Reservation{}, ErrNoAvailability
	}
	r.TenantID = tenantID
	r.Code = newReservationCode()
	r.Status = ReservationConfirmed
	r.CreatedAt = b.clock().UTC()
	b.reservations[tenantID] = append(b.reservations[tenantID], r)
	return r, nil
}

func (b *MemoryBackend) LookupReservations(ctx context.Context, tenantID int64, q ReservationQuery) ([]Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	code := strings.ToUpper(strings.TrimSpace(q.Code))
	name := strings.ToLower(strings.TrimSpace(q.CustomerName))
	phone := normalizePhone(q.CustomerPhone)

	var out []Reservation
	for _, r := range b.reservations[tenantID] {
		switch {
		case code != "" && r.Code == code:
		case name != "" && strings.Contains(strings.ToLower(r.CustomerName), name):
		case phone != "" && normalizePhone(r.CustomerPhone) == phone:
		default:
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > maxLookupResults {
		out = out[:maxLookupResults]
	}
	return out, nil
}

func (b *MemoryBackend) CancelReservation(ctx context.Context, tenantID int64, code string) (Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	code = strings.ToUpper(strings.TrimSpace(code))
	rs := b.reservations[tenantID]
	for i := range rs {
		if rs[i].Code != code {
			continue
		}
		if rs[i].Status == ReservationCancelled {
			return Reservation{}, ErrAlreadyCancelled
		}
		rs[i].Status = ReservationCancelled
		return rs[i], nil
	}
	return Reservation{}, ErrReservationNotFound
}

func (b *MemoryBackend) TakeMessage(ctx context.Context, tenantID int64, m CallerMessage) (CallerMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m.ID = uuid.NewString()
	m.TenantID = tenantID
	m.CreatedAt = b.clock().UTC()
	b.messages[tenantID] = append(b.messages[tenantID], m)
	return m, nil
}

// Messages returns the messages left for a tenant.
func (b *MemoryBackend) Messages(tenantID int64) []CallerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CallerMessage, len(b.messages[tenantID]))
	copy(out, b.messages[tenantID])
	return out
}

func (b *MemoryBackend) overlapping(tenantID int64, in, out time.Time) int {
	n := 0
	for _, r := range b.reservations[tenantID] {
		if r.Status == ReservationConfirmed && overlaps(r.Checkin, r.Checkout, in, out) {
			n++
		}
	}
	return n
}

const maxLookupResults = 5
