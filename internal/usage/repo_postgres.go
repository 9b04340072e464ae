package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voice-orchestrator/pkg/utils"
)

// PostgresRepo stores entries in usage_logs.
//
// Assumed table: usage_logs (id UUID PK, tenant_id, channel, session_ref UNIQUE,
// recipient, status, credits_used, metadata JSONB, created_at, updated_at).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Insert(ctx context.Context, e Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("usage metadata: %w", err)
	}
	const q = `
INSERT INTO usage_logs (
  id, tenant_id, channel, session_ref, recipient, status, credits_used, metadata, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err = r.db.ExecContext(ctx, q,
		e.ID,
		e.TenantID,
		e.Channel,
		e.SessionRef,
		e.Recipient,
		e.Status,
		e.CreditsUsed,
		meta,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (r *PostgresRepo) Complete(ctx context.Context, sessionRef string, in FinishInput, now time.Time) (Entry, error) {
	var out Entry
	err := utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` WHERE session_ref = $1 FOR UPDATE`, sessionRef))
		if err != nil {
			return err
		}
		if e.Status != StatusInProgress {
			out = e
			return ErrAlreadyFinalized
		}
		applyFinish(&e, in, now)

		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("usage metadata: %w", err)
		}
		const q = `
UPDATE usage_logs
SET status = $2, credits_used = $3, metadata = $4, updated_at = $5
WHERE session_ref = $1
`
		if _, err := tx.ExecContext(ctx, q, sessionRef, e.Status, e.CreditsUsed, meta, e.UpdatedAt); err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, err
}

func (r *PostgresRepo) Get(ctx context.Context, sessionRef string) (Entry, error) {
	return scanEntry(r.db.QueryRowContext(ctx, selectEntry+` WHERE session_ref = $1`, sessionRef))
}

func (r *PostgresRepo) List(ctx context.Context, tenantID int64, from, to time.Time) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		selectEntry+` WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3 ORDER BY created_at`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectEntry = `
SELECT id, tenant_id, channel, session_ref, recipient, status, credits_used, metadata, created_at, updated_at
FROM usage_logs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e    Entry
		meta []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.TenantID,
		&e.Channel,
		&e.SessionRef,
		&e.Recipient,
		&e.Status,
		&e.CreditsUsed,
		&meta,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &e.Metadata); err != nil {
			return Entry{}, fmt.Errorf("usage metadata: %w", err)
		}
	}
	return e, nil
}
