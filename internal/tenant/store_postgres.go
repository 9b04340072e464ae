package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore reads tenants from Postgres.
//
// Assumed tables:
// - tenants (id BIGINT PK, name, business_type, language, tone, greeting, timezone,
//   custom_rules JSONB, capabilities JSONB, business_info JSONB, transfer JSONB,
//   created_at, updated_at)
// - tenant_phone_numbers (number TEXT PK, tenant_id BIGINT REFERENCES tenants)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (Tenant, error) {
	const q = `
SELECT id, name, business_type, language, tone, greeting, timezone,
       custom_rules, capabilities, business_info, transfer, created_at, updated_at
FROM tenants
WHERE id = $1
`
	var (
		t                           Tenant
		rules, caps, info, transfer []byte
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID,
		&t.Name,
		&t.BusinessType,
		&t.Language,
		&t.Tone,
		&t.Greeting,
		&t.Timezone,
		&rules,
		&caps,
		&info,
		&transfer,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}

	if err := decodeJSONColumns(&t, rules, caps, info, transfer); err != nil {
		return Tenant{}, fmt.Errorf("tenant %d: %w", id, err)
	}

	numbers, err := s.listNumbers(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	t.PhoneNumbers = numbers
	return t, nil
}

func (s *PostgresStore) ResolveNumber(ctx context.Context, number string) (int64, error) {
	n := NormalizeNumber(number)
	if n == "" {
		return 0, ErrInvalidArgument
	}
	const q = `SELECT tenant_id FROM tenant_phone_numbers WHERE number = $1`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, n).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return id, nil
}

func (s *PostgresStore) listNumbers(ctx context.Context, id int64) ([]string, error) {
	const q = `SELECT number FROM tenant_phone_numbers WHERE tenant_id = $1 ORDER BY number`
	rows, err := s.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func decodeJSONColumns(t *Tenant, rules, caps, info, transfer []byte) error {
	cols := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"custom_rules", rules, &t.CustomRules},
		{"capabilities", caps, &t.Capabilities},
		{"business_info", info, &t.BusinessInfo},
		{"transfer", transfer, &t.Transfer},
	}
	for _, c := range cols {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return fmt.Errorf("decode %s: %w", c.name, err)
		}
	}
	return nil
}
