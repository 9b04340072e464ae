package tools

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"voice-orchestrator/pkg/utils"

	"github.com/google/uuid"
)

// PostgresBackend stores reservations and caller messages in Postgres.
//
// Assumed tables:
// - reservation_capacity (tenant_id PK, units)
// - reservations (code PK, tenant_id, customer_name, customer_phone, customer_email,
//   checkin DATE, checkout DATE, guests, notes, status, call_id, created_at)
// - caller_messages (id PK, tenant_id, call_id, caller_name, caller_phone, body, urgency, created_at)
type PostgresBackend struct {
	db              *sql.DB
	defaultCapacity int
	clock           func() time.Time
}

func NewPostgresBackend(db *sql.DB, defaultCapacity int) *PostgresBackend {
	if defaultCapacity <= 0 {
		defaultCapacity = 10
	}
	return &PostgresBackend{db: db, defaultCapacity: defaultCapacity, clock: time.Now}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *PostgresBackend) CheckAvailability(ctx context.Context, tenantID int64, q StayQuery) (Availability, error) {
	units, used, err := b.occupancy(ctx, b.db, tenantID, q.Checkin, q.Checkout)
	if err != nil {
		return Availability{}, err
	}
	left := units - used
	if left < 0 {
		left = 0
	}
	return Availability{Available: left > 0, UnitsLeft: left, Nights: q.Nights()}, nil
}

func (b *PostgresBackend) CreateReservation(ctx context.Context, tenantID int64, r Reservation) (Reservation, error) {
	r.TenantID = tenantID
	r.Code = newReservationCode()
	r.Status = ReservationConfirmed
	r.CreatedAt = b.clock().UTC()

	err := utils.WithTx(ctx, b.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Serializes bookings per tenant so capacity is never oversold.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantID); err != nil {
			return err
		}
		units, used, err := b.occupancy(ctx, tx, tenantID, r.Checkin, r.Checkout)
		if err != nil {
			return err
		}
		if used >= units {
			return ErrNoAvailability
		}
		const q = `
INSERT INTO reservations (
  code, tenant_id, customer_name, customer_phone, customer_email,
  checkin, checkout, guests, notes, status, call_id, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`
		_, err = tx.ExecContext(ctx, q,
			r.Code, r.TenantID, r.CustomerName, r.CustomerPhone, r.CustomerEmail,
			r.Checkin, r.Checkout, r.Guests, r.Notes, r.Status, r.CallID, r.CreatedAt,
		)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func (b *PostgresBackend) LookupReservations(ctx context.Context, tenantID int64, q ReservationQuery) ([]Reservation, error) {
	const stmt = `
SELECT code, tenant_id, customer_name, customer_phone, customer_email,
       checkin, checkout, guests, notes, status, call_id, created_at
FROM reservations
WHERE tenant_id = $1
  AND (
    ($2 <> '' AND code = $2)
    OR ($3 <> '' AND customer_name ILIKE '%' || $3 || '%')
    OR ($4 <> '' AND regexp_replace(customer_phone, '[^0-9+]', '', 'g') = $4)
  )
ORDER BY created_at DESC
LIMIT $5
`
	rows, err := b.db.QueryContext(ctx, stmt,
		tenantID,
		strings.ToUpper(strings.TrimSpace(q.Code)),
		strings.TrimSpace(q.CustomerName),
		normalizePhone(q.CustomerPhone),
		maxLookupResults,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(
			&r.Code, &r.TenantID, &r.CustomerName, &r.CustomerPhone, &r.CustomerEmail,
			&r.Checkin, &r.Checkout, &r.Guests, &r.Notes, &r.Status, &r.CallID, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) CancelReservation(ctx context.Context, tenantID int64, code string) (Reservation, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var r Reservation
	err := utils.WithTx(ctx, b.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `
SELECT code, tenant_id, customer_name, customer_phone, customer_email,
       checkin, checkout, guests, notes, status, call_id, created_at
FROM reservations
WHERE tenant_id = $1 AND code = $2
FOR UPDATE
`
		if err := tx.QueryRowContext(ctx, sel, tenantID, code).Scan(
			&r.Code, &r.TenantID, &r.CustomerName, &r.CustomerPhone, &r.CustomerEmail,
			&r.Checkin, &r.Checkout, &r.Guests, &r.Notes, &r.Status, &r.CallID, &r.CreatedAt,
		); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrReservationNotFound
			}
			return err
		}
		if r.Status == ReservationCancelled {
			return ErrAlreadyCancelled
		}
		r.Status = ReservationCancelled
		_, err := tx.ExecContext(ctx, `UPDATE reservations SET status = $3 WHERE tenant_id = $1 AND code = $2`, tenantID, code, r.Status)
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	return r, nil
}

func (b *PostgresBackend) TakeMessage(ctx context.Context, tenantID int64, m CallerMessage) (CallerMessage, error) {
	m.ID = uuid.NewString()
	m.TenantID = tenantID
	m.CreatedAt = b.clock().UTC()
	const q = `
INSERT INTO caller_messages (id, tenant_id, call_id, caller_name, caller_phone, body, urgency, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	if _, err := b.db.ExecContext(ctx, q, m.ID, m.TenantID, m.CallID, m.CallerName, m.CallerPhone, m.Body, m.Urgency, m.CreatedAt); err != nil {
		return CallerMessage{}, err
	}
	return m, nil
}

func (b *PostgresBackend) occupancy(ctx context.Context, q queryer, tenantID int64, in, out time.Time) (units, used int, err error) {
	const stmt = `
SELECT
  COALESCE((SELECT units FROM reservation_capacity WHERE tenant_id = $1), $4),
  (SELECT COUNT(*) FROM reservations
   WHERE tenant_id = $1 AND status = 'confirmed' AND checkin < $3 AND $2 < checkout)
`
	err = q.QueryRowContext(ctx, stmt, tenantID, in, out, b.defaultCapacity).Scan(&units, &used)
	return units, used, err
}
