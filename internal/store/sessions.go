package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by store lookups that find no matching row.
var ErrNotFound = errors.New("not found")

// SessionRow is the persisted form of spec.md §3's Session.
type SessionRow struct {
	ID           string
	Provider     string
	RepoPath     string
	AccountID    sql.NullString
	Status       string
	MessageCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateSession inserts a new session row in status "idle".
func (s *Store) CreateSession(ctx context.Context, id, provider, repoPath, accountID string) (*SessionRow, error) {
	now := time.Now().UTC()
	row := &SessionRow{ID: id, Provider: provider, RepoPath: repoPath, Status: "idle", CreatedAt: now, UpdatedAt: now}
	if accountID != "" {
		row.AccountID = sql.NullString{String: accountID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, provider, repo_path, account_id, status, message_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'idle', 0, ?, ?)`,
		row.ID, row.Provider, row.RepoPath, row.AccountID, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return row, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, repo_path, account_id, status, message_count, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, repo_path, account_id, status, message_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetSessionStatus updates a session's status.
func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, status, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return checkRowsAffected(res)
}

// SetSessionProvider updates a session's provider, for session.setProvider
// (switching which agent CLI backs a session between turns).
func (s *Store) SetSessionProvider(ctx context.Context, id, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET provider = ?, updated_at = ? WHERE id = ?`, provider, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set session provider: %w", err)
	}
	return checkRowsAffected(res)
}

// SetSessionAccount rebinds a session to a different account.
func (s *Store) SetSessionAccount(ctx context.Context, id, accountID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET account_id = ?, updated_at = ? WHERE id = ?`, accountID, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set session account: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteSession removes a session and cascades to its messages/tool calls.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return checkRowsAffected(res)
}

// PruneSessionsOlderThan deletes sessions whose updated_at predates cutoff,
// used by the daily DB maintenance job (§4.8).
func (s *Store) PruneSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// MessageRow is the persisted form of spec.md §3's Message.
type MessageRow struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Status    string
	CreatedAt time.Time
}

// CreateMessage inserts a new message and bumps the session's message_count.
func (s *Store) CreateMessage(ctx context.Context, id, sessionID, role, content, status string) (*MessageRow, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, role, content, status, fmtTime(now)); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`, fmtTime(now), sessionID); err != nil {
		return nil, fmt.Errorf("bump message count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &MessageRow{ID: id, SessionID: sessionID, Role: role, Content: content, Status: status, CreatedAt: now}, nil
}

// UpdateMessageContent overwrites a message's content (streaming deltas)
// and/or status.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ?, status = ? WHERE id = ?`, content, status, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return checkRowsAffected(res)
}

// GetMessages returns every message for a session in creation order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*MessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, status, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	var out []*MessageRow
	for rows.Next() {
		var m MessageRow
		var created string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Status, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ToolCallRow is the persisted form of spec.md §3's ToolCall.
type ToolCallRow struct {
	ID        string
	MessageID string
	Name      string
	Input     string
	Output    sql.NullString
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateToolCall inserts a new tool call in status "running".
func (s *Store) CreateToolCall(ctx context.Context, id, messageID, name, input string) (*ToolCallRow, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, message_id, name, input, status, created_at, updated_at) VALUES (?, ?, ?, ?, 'running', ?, ?)`,
		id, messageID, name, input, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create tool call: %w", err)
	}
	return &ToolCallRow{ID: id, MessageID: messageID, Name: name, Input: input, Status: "running", CreatedAt: now, UpdatedAt: now}, nil
}

// UpdateToolCall sets a tool call's output and terminal status ("done" or
// "error").
func (s *Store) UpdateToolCall(ctx context.Context, id, output, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET output = ?, status = ?, updated_at = ? WHERE id = ?`, output, status, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return checkRowsAffected(res)
}

func scanSession(scanner interface{ Scan(...interface{}) error }) (*SessionRow, error) {
	var row SessionRow
	var created, updated string
	if err := scanner.Scan(&row.ID, &row.Provider, &row.RepoPath, &row.AccountID, &row.Status, &row.MessageCount, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	row.CreatedAt = parseTime(created)
	row.UpdatedAt = parseTime(updated)
	return &row, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
