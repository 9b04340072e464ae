package credits

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"voice-orchestrator/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore keeps channel state and the ledger in Postgres.
//
// Assumed tables:
// - credit_channels (tenant_id, channel, enabled, balance NULL, updated_at), PK (tenant_id, channel)
// - credit_ledger (immutable append-only), UNIQUE (tenant_id, channel, idempotency_key)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) State(ctx context.Context, tenantID int64, ch Channel) (ChannelState, error) {
	const q = `
SELECT tenant_id, channel, enabled, balance, updated_at
FROM credit_channels
WHERE tenant_id = $1 AND channel = $2
`
	return scanState(s.db.QueryRowContext(ctx, q, tenantID, ch))
}

func (s *PostgresStore) Debit(ctx context.Context, tenantID int64, ch Channel, amount int64, ref string, now time.Time) (DebitResult, error) {
	var out DebitResult

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Serializes concurrent debits on the same channel.
		st, err := lockChannel(ctx, tx, tenantID, ch)
		if err != nil {
			return err
		}

		if existing, ok, err := findLedgerByIdempotency(ctx, tx, tenantID, ch, ref); err != nil {
			return err
		} else if ok {
			out = DebitResult{Applied: existing.Type == LedgerEntryTypeDebit, Replayed: true, Balance: st.Balance}
			return nil
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
		if st.Balance != nil && *st.Balance < amount {
			entry.Type = LedgerEntryTypeDebitRejected
			entry.Amount = 0
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			if utils.IsUniqueViolation(err) {
				return ErrDuplicateRef
			}
			return err
		}

		out = DebitResult{Applied: entry.Type == LedgerEntryTypeDebit, Balance: st.Balance}
		if !out.Applied || st.Balance == nil {
			return nil
		}

		b, err := applyBalanceDelta(ctx, tx, tenantID, ch, -amount, now)
		if err != nil {
			return err
		}
		out.Balance = &b
		return nil
	})

	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (ChannelState, error) {
	var (
		st  ChannelState
		bal sql.NullInt64
	)
	if err := row.Scan(&st.TenantID, &st.Channel, &st.Enabled, &bal, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChannelState{}, ErrNotFound
		}
		return ChannelState{}, err
	}
	if bal.Valid {
		v := bal.Int64
		st.Balance = &v
	}
	return st, nil
}

func lockChannel(ctx context.Context, tx *sql.Tx, tenantID int64, ch Channel) (ChannelState, error) {
	const q = `
SELECT tenant_id, channel, enabled, balance, updated_at
FROM credit_channels
WHERE tenant_id = $1 AND channel = $2
FOR UPDATE
`
	return scanState(tx.QueryRowContext(ctx, q, tenantID, ch))
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, tenantID int64, ch Channel, key string) (LedgerEntry, bool, error) {
	const q = `
SELECT id, tenant_id, channel, type, amount, idempotency_key, created_at
FROM credit_ledger
WHERE tenant_id = $1 AND channel = $2 AND idempotency_key = $3
LIMIT 1
`
	var e LedgerEntry
	err := tx.QueryRowContext(ctx, q, tenantID, ch, key).Scan(
		&e.ID,
		&e.TenantID,
		&e.Channel,
		&e.Type,
		&e.Amount,
		&e.IdempotencyKey,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LedgerEntry{}, false, nil
		}
		return LedgerEntry{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e LedgerEntry) error {
	const q = `
INSERT INTO credit_ledger (id, tenant_id, channel, type, amount, idempotency_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.Channel,
		e.Type,
		e.Amount,
		e.IdempotencyKey,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, tenantID int64, ch Channel, delta int64, now time.Time) (int64, error) {
	const q = `
UPDATE credit_channels
SET balance = balance + $3, updated_at = $4
WHERE tenant_id = $1 AND channel = $2
RETURNING balance
`
	var b int64
	if err := tx.QueryRowContext(ctx, q, tenantID, ch, delta, now).Scan(&b); err != nil {
		return 0, err
	}
	return b, nil
}
