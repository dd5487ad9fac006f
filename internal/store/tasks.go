package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TaskEventRow is the persisted form of spec.md §3's TaskEvent.
type TaskEventRow struct {
	TaskID        string
	Seq           int64
	Timestamp     time.Time
	Actor         string
	CorrelationID string
	Kind          string
	Data          string // JSON
}

// AppendTaskEvent reads the current max seq for taskID under the task's
// lock, writes a row with seq = max+1, and returns the new event. This is
// the sole append path — spec.md §4.5: "a crash in the middle of append
// must not leave a gap" — achieved by doing the read+insert inside one
// transaction while holding the in-process per-task lock, so no concurrent
// writer on this process can observe a torn sequence.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, actor, correlationID, kind, data string) (*TaskEventRow, error) {
	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM task_events WHERE task_id = ?`, taskID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max seq: %w", err)
	}
	seq := int64(0)
	if maxSeq.Valid {
		seq = maxSeq.Int64 + 1
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, seq, ts, actor, correlation_id, kind, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, seq, fmtTime(now), actor, correlationID, kind, data); err != nil {
		return nil, fmt.Errorf("insert task event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &TaskEventRow{TaskID: taskID, Seq: seq, Timestamp: now, Actor: actor, CorrelationID: correlationID, Kind: kind, Data: data}, nil
}

// ListTaskEvents returns every event for taskID with seq > afterSeq, in
// order. Pass afterSeq = -1 to read the full log.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, afterSeq int64) ([]*TaskEventRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, seq, ts, actor, correlation_id, kind, data FROM task_events
		 WHERE task_id = ? AND seq > ? ORDER BY seq ASC`, taskID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []*TaskEventRow
	for rows.Next() {
		var e TaskEventRow
		var ts string
		if err := rows.Scan(&e.TaskID, &e.Seq, &ts, &e.Actor, &e.CorrelationID, &e.Kind, &e.Data); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ListTaskIDs returns every distinct task_id with at least one event.
func (s *Store) ListTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_id FROM task_events`)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CheckpointRow is the persisted form of spec.md §3's Checkpoint.
type CheckpointRow struct {
	TaskID    string
	Seq       int64
	State     string // JSON-serialized MaterializedTask
	CreatedAt time.Time
}

// WriteCheckpoint upserts the checkpoint for taskID.
func (s *Store) WriteCheckpoint(ctx context.Context, taskID string, seq int64, state string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_checkpoints (task_id, seq, state, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET seq = excluded.seq, state = excluded.state, created_at = excluded.created_at`,
		taskID, seq, state, fmtTime(now))
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the checkpoint for taskID, or ErrNotFound if
// none exists.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*CheckpointRow, error) {
	var c CheckpointRow
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, seq, state, created_at FROM task_checkpoints WHERE task_id = ?`, taskID).
		Scan(&c.TaskID, &c.Seq, &c.State, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// SetTaskHeartbeat records a claim + liveness timestamp for taskID,
// consulted by the heartbeat janitor (§4.8).
func (s *Store) SetTaskHeartbeat(ctx context.Context, taskID, claimedBy string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_heartbeats (task_id, claimed_by, last_heartbeat) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET claimed_by = excluded.claimed_by, last_heartbeat = excluded.last_heartbeat`,
		taskID, claimedBy, fmtTime(now))
	return err
}

// ClearTaskHeartbeat removes the heartbeat row for taskID (on release or
// terminal state).
func (s *Store) ClearTaskHeartbeat(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_heartbeats WHERE task_id = ?`, taskID)
	return err
}

// StaleHeartbeats returns task ids whose last heartbeat predates cutoff.
func (s *Store) StaleHeartbeats(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_heartbeats WHERE last_heartbeat < ?`, fmtTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale heartbeats: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LogActivity appends an audit-trail row, grounded in the original's
// log_activity/query_activity pair.
func (s *Store) LogActivity(ctx context.Context, taskID, actor, note string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (task_id, actor, note, created_at) VALUES (?, ?, ?, ?)`,
		taskID, actor, note, fmtTime(time.Now().UTC()))
	return err
}

// ActivityRow is one audit-trail entry.
type ActivityRow struct {
	TaskID    string
	Actor     string
	Note      string
	CreatedAt time.Time
}

// ListActivity returns a task's activity log, newest first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]*ActivityRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, actor, note, created_at FROM activity_log WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	var out []*ActivityRow
	for rows.Next() {
		var a ActivityRow
		var created string
		if err := rows.Scan(&a.TaskID, &a.Actor, &a.Note, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PruneActivityOlderThan deletes activity rows older than cutoff (§4.8).
func (s *Store) PruneActivityOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}

// PhaseRow groups tasks under an optional phase (supplemented feature, see
// SPEC_FULL.md §3/§4.5).
type PhaseRow struct {
	ID        string
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreatePhase inserts a new phase in status "open".
func (s *Store) CreatePhase(ctx context.Context, id, title string) (*PhaseRow, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_phases (id, title, status, created_at, updated_at) VALUES (?, ?, 'open', ?, ?)`,
		id, title, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("create phase: %w", err)
	}
	return &PhaseRow{ID: id, Title: title, Status: "open", CreatedAt: now, UpdatedAt: now}, nil
}

// ListPhases returns every phase.
func (s *Store) ListPhases(ctx context.Context) ([]*PhaseRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, status, created_at, updated_at FROM task_phases ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()
	var out []*PhaseRow
	for rows.Next() {
		var p PhaseRow
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Title, &p.Status, &created, &updated); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}
