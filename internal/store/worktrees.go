package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WorktreeRow is the persisted form of spec.md §3's Worktree.
type WorktreeRow struct {
	TaskID    string
	Root      string
	Branch    string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateWorktree inserts a new worktree registry row in status "Active".
// Idempotent with bind_task's contract (§4.6): callers should check
// GetWorktree first.
func (s *Store) CreateWorktree(ctx context.Context, taskID, root, branch string) (*WorktreeRow, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worktrees (task_id, root, branch, status, created_at, updated_at) VALUES (?, ?, ?, 'Active', ?, ?)`,
		taskID, root, branch, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	return &WorktreeRow{TaskID: taskID, Root: root, Branch: branch, Status: "Active", CreatedAt: now, UpdatedAt: now}, nil
}

// GetWorktree loads the worktree registered for taskID.
func (s *Store) GetWorktree(ctx context.Context, taskID string) (*WorktreeRow, error) {
	var w WorktreeRow
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, root, branch, status, created_at, updated_at FROM worktrees WHERE task_id = ?`, taskID).
		Scan(&w.TaskID, &w.Root, &w.Branch, &w.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return &w, nil
}

// ListWorktrees returns every registered worktree.
func (s *Store) ListWorktrees(ctx context.Context) ([]*WorktreeRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, root, branch, status, created_at, updated_at FROM worktrees ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer rows.Close()
	var out []*WorktreeRow
	for rows.Next() {
		var w WorktreeRow
		var created, updated string
		if err := rows.Scan(&w.TaskID, &w.Root, &w.Branch, &w.Status, &created, &updated); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTime(created)
		w.UpdatedAt = parseTime(updated)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// SetWorktreeStatus mutates only the status field (§4.6: set_status).
func (s *Store) SetWorktreeStatus(ctx context.Context, taskID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE worktrees SET status = ?, updated_at = ? WHERE task_id = ?`, status, fmtTime(time.Now().UTC()), taskID)
	if err != nil {
		return fmt.Errorf("set worktree status: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteWorktree removes the registry entry. Returns ErrNotFound if absent.
func (s *Store) DeleteWorktree(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worktrees WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return checkRowsAffected(res)
}

// Vacuum runs SQLite's VACUUM, used by the daily DB maintenance job (§4.8).
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
