package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AccountRow is the persisted form of spec.md §3's Account.
type AccountRow struct {
	ID           string
	Provider     string
	DisplayName  string
	Priority     int
	LimitedUntil sql.NullString // RFC 3339, empty/invalid = not limited
	CreatedAt    time.Time
}

// IsLimited reports whether the account is currently cooling down.
func (a *AccountRow) IsLimited(now time.Time) bool {
	if !a.LimitedUntil.Valid || a.LimitedUntil.String == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339Nano, a.LimitedUntil.String)
	if err != nil {
		return false
	}
	return now.Before(until)
}

// CreateAccount inserts a new account row.
func (s *Store) CreateAccount(ctx context.Context, id, provider, displayName string, priority int) (*AccountRow, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, provider, display_name, priority, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, provider, displayName, priority, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return &AccountRow{ID: id, Provider: provider, DisplayName: displayName, Priority: priority, CreatedAt: now}, nil
}

// ListAccounts returns every account, ordered by priority then insertion
// order — this ordering is what pick_account's tie-break relies on.
func (s *Store) ListAccounts(ctx context.Context) ([]*AccountRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, display_name, priority, limited_until, created_at FROM accounts ORDER BY priority ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []*AccountRow
	for rows.Next() {
		var a AccountRow
		var created string
		if err := rows.Scan(&a.ID, &a.Provider, &a.DisplayName, &a.Priority, &a.LimitedUntil, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SetAccountLimited sets (or clears, with an empty string) an account's
// limited_until timestamp.
func (s *Store) SetAccountLimited(ctx context.Context, id, until string) error {
	var val sql.NullString
	if until != "" {
		val = sql.NullString{String: until, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET limited_until = ? WHERE id = ?`, val, id)
	if err != nil {
		return fmt.Errorf("set account limited: %w", err)
	}
	return checkRowsAffected(res)
}

// SetAccountPriority updates an account's priority ordering.
func (s *Store) SetAccountPriority(ctx context.Context, id string, priority int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
	if err != nil {
		return fmt.Errorf("set account priority: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return checkRowsAffected(res)
}

// PairedDevice is a row of the paired_devices table. The gateway's auth
// checks compare only against the primary auth token and do not consult
// this table.
type PairedDevice struct {
	Token   string
	Label   string
	Revoked bool
}

// IsTokenValid reports whether token matches a non-revoked paired-device
// row. It does not compare against the primary auth token.
func (s *Store) IsTokenValid(ctx context.Context, token string) (bool, error) {
	var revoked int
	err := s.db.QueryRowContext(ctx, `SELECT revoked FROM paired_devices WHERE token = ?`, token).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check paired device: %w", err)
	}
	return revoked == 0, nil
}
