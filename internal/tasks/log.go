package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clawd-io/clawd/internal/store"
)

// Log is the append+replay facade over a task's event log, backed by the
// store's task_events/task_checkpoints tables. It is the only path by which
// task events are written, matching spec.md §4.5's single-writer-per-task
// rule (enforced upstream by the store's per-task lock).
type Log struct {
	db                     *store.Store
	checkpointEveryNEvents int
}

// NewLog constructs a Log. checkpointEveryNEvents is the configured
// Tasks.CheckpointEveryNEvents (default 50); pass 0 to disable
// checkpointing.
func NewLog(db *store.Store, checkpointEveryNEvents int) *Log {
	return &Log{db: db, checkpointEveryNEvents: checkpointEveryNEvents}
}

// Append writes event to the task's log, assigning it the next sequence
// number, then runs it through Reduce starting from the task's latest
// materialized state. It returns the event as actually persisted (with its
// assigned Seq) and the resulting MaterializedTask. A reducer error is
// returned without writing a checkpoint, but the event itself is already
// durable — replay will hit the same error, which is the intended "halt and
// surface log corruption" behavior (§4.5).
func (l *Log) Append(ctx context.Context, taskID string, event Event) (Event, MaterializedTask, error) {
	before, err := l.Replay(ctx, taskID)
	if err != nil {
		return Event{}, MaterializedTask{}, fmt.Errorf("replay before append: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return Event{}, MaterializedTask{}, fmt.Errorf("marshal event: %w", err)
	}
	row, err := l.db.AppendTaskEvent(ctx, taskID, event.Actor, event.CorrelationID, string(event.Kind), string(data))
	if err != nil {
		return Event{}, MaterializedTask{}, fmt.Errorf("append task event: %w", err)
	}
	event.TaskID = taskID
	event.Seq = row.Seq
	event.Timestamp = row.Timestamp

	after, err := Reduce(before, event)
	if err != nil {
		return event, before, err
	}

	if l.checkpointEveryNEvents > 0 && (row.Seq+1)%int64(l.checkpointEveryNEvents) == 0 {
		if err := l.writeCheckpoint(ctx, taskID, after); err != nil {
			return event, after, fmt.Errorf("write checkpoint: %w", err)
		}
	}
	return event, after, nil
}

// writeCheckpoint persists a snapshot of state and appends a
// CheckpointCreated marker event directly (bypassing Append, which would
// otherwise re-replay the log it is trying to shortcut).
func (l *Log) writeCheckpoint(ctx context.Context, taskID string, state MaterializedTask) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	if err := l.db.WriteCheckpoint(ctx, taskID, state.EventSeq, string(data)); err != nil {
		return err
	}
	markerData, err := json.Marshal(Event{Kind: KindCheckpointCreated})
	if err != nil {
		return err
	}
	_, err = l.db.AppendTaskEvent(ctx, taskID, "system", "", string(KindCheckpointCreated), string(markerData))
	return err
}

// Replay folds a task's event log into its current MaterializedTask,
// starting from the latest checkpoint (if any) and applying only the events
// after it — the checkpoint-acceleration described in spec.md §4.5.
func (l *Log) Replay(ctx context.Context, taskID string) (MaterializedTask, error) {
	state := Initial()
	afterSeq := int64(-1)

	cp, err := l.db.LatestCheckpoint(ctx, taskID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return MaterializedTask{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(cp.State), &state); jsonErr != nil {
			return MaterializedTask{}, fmt.Errorf("unmarshal checkpoint: %w", jsonErr)
		}
		afterSeq = cp.Seq
	}

	rows, err := l.db.ListTaskEvents(ctx, taskID, afterSeq)
	if err != nil {
		return MaterializedTask{}, fmt.Errorf("list task events: %w", err)
	}
	for _, row := range rows {
		var event Event
		if err := json.Unmarshal([]byte(row.Data), &event); err != nil {
			return MaterializedTask{}, fmt.Errorf("unmarshal event seq %d: %w", row.Seq, err)
		}
		event.TaskID = row.TaskID
		event.Seq = row.Seq
		event.Timestamp = row.Timestamp
		event.Actor = row.Actor
		event.CorrelationID = row.CorrelationID
		event.Kind = EventKind(row.Kind)

		state, err = Reduce(state, event)
		if err != nil {
			return MaterializedTask{}, fmt.Errorf("replay seq %d: %w", row.Seq, err)
		}
	}
	return state, nil
}
