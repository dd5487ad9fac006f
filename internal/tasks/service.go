package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/store"
)

// Service is the gateway-facing façade over the event log: it turns RPC
// intents (claim, heartbeat, transition) into Events appended through Log,
// and fans out the resulting state changes on the bus. Grounded in
// original_source/daemon/src/ipc/handlers/tasks.rs.
type Service struct {
	log *Log
	db  *store.Store
	bus bus.EventPublisher
}

func NewService(log *Log, db *store.Store, publisher bus.EventPublisher) *Service {
	return &Service{log: log, db: db, bus: publisher}
}

// Create appends a TaskCreated event for a brand-new task.
func (s *Service) Create(ctx context.Context, spec Spec, actor string) (MaterializedTask, error) {
	_, after, err := s.log.Append(ctx, spec.ID, Event{Actor: actor, Kind: KindTaskCreated, Spec: &spec})
	if err != nil {
		return MaterializedTask{}, err
	}
	s.bus.Broadcast(bus.Event{Name: "task.stateChanged", Payload: map[string]interface{}{"taskId": spec.ID, "state": after.State}})
	return after, nil
}

// Get replays and returns a single task.
func (s *Service) Get(ctx context.Context, taskID string) (MaterializedTask, error) {
	return s.log.Replay(ctx, taskID)
}

// List replays every known task.
func (s *Service) List(ctx context.Context) ([]MaterializedTask, error) {
	ids, err := s.db.ListTaskIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	out := make([]MaterializedTask, 0, len(ids))
	for _, id := range ids {
		mt, err := s.log.Replay(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", id, err)
		}
		out = append(out, mt)
	}
	return out, nil
}

// Claim assigns taskID to agentID, rejecting a task already claimed by
// someone else (error contains "already claimed" for ipcerr.Classify).
func (s *Service) Claim(ctx context.Context, taskID, agentID, role string) (MaterializedTask, error) {
	current, err := s.log.Replay(ctx, taskID)
	if err != nil {
		return MaterializedTask{}, err
	}
	if current.ClaimedBy != "" && current.ClaimedBy != agentID {
		return MaterializedTask{}, fmt.Errorf("task already claimed by %s", current.ClaimedBy)
	}
	_, after, err := s.log.Append(ctx, taskID, Event{Actor: agentID, Kind: KindTaskClaimed, AgentID: agentID, Role: role})
	if err != nil {
		return MaterializedTask{}, err
	}
	if err := s.db.SetTaskHeartbeat(ctx, taskID, agentID); err != nil {
		return MaterializedTask{}, fmt.Errorf("set heartbeat: %w", err)
	}
	_ = s.db.LogActivity(ctx, taskID, agentID, "claimed")
	s.bus.Broadcast(bus.Event{Name: "task.claimed", Payload: map[string]interface{}{"taskId": taskID, "agentId": agentID}})
	return after, nil
}

// Release clears a task's heartbeat row and logs the release, without
// appending an event. The replayed ClaimedBy is unchanged, so Claim by a
// different agent is still rejected afterwards.
func (s *Service) Release(ctx context.Context, taskID, actor string) error {
	if err := s.db.ClearTaskHeartbeat(ctx, taskID); err != nil {
		return fmt.Errorf("clear heartbeat: %w", err)
	}
	_ = s.db.LogActivity(ctx, taskID, actor, "released")
	return nil
}

// Heartbeat refreshes a claimed task's liveness timestamp.
func (s *Service) Heartbeat(ctx context.Context, taskID, agentID string) error {
	return s.db.SetTaskHeartbeat(ctx, taskID, agentID)
}

// UpdateStatus appends the event corresponding to a named status
// transition. notes is required (and validated) only for "done".
func (s *Service) UpdateStatus(ctx context.Context, taskID, actor, status, notes, reason string) (MaterializedTask, error) {
	var ev Event
	ev.Actor = actor
	switch status {
	case "planned":
		ev.Kind = KindTaskPlanned
	case "active":
		ev.Kind = KindTaskActive
	case "blocked":
		ev.Kind = KindTaskBlocked
		ev.Reason = reason
	case "needsApproval":
		ev.Kind = KindTaskNeedsApproval
	case "codeReview":
		ev.Kind = KindTaskCodeReview
	case "qa":
		ev.Kind = KindTaskQa
	case "done":
		if notes == "" {
			return MaterializedTask{}, fmt.Errorf("completion notes are required when marking a task done")
		}
		ev.Kind = KindTaskDone
		ev.Notes = notes
	case "canceled":
		ev.Kind = KindTaskCanceled
	case "failed":
		ev.Kind = KindTaskFailed
		ev.Reason = reason
	default:
		return MaterializedTask{}, fmt.Errorf("unknown status %q", status)
	}

	_, after, err := s.log.Append(ctx, taskID, ev)
	if err != nil {
		return MaterializedTask{}, err
	}
	if after.State.terminal() {
		_ = s.db.ClearTaskHeartbeat(ctx, taskID)
	}
	_ = s.db.LogActivity(ctx, taskID, actor, fmt.Sprintf("status -> %s", status))
	s.bus.Broadcast(bus.Event{Name: "task.stateChanged", Payload: map[string]interface{}{"taskId": taskID, "state": after.State}})
	return after, nil
}

// Transition appends an arbitrary event kind (tool calls, approvals) to
// taskID's log, for call sites that need more control than UpdateStatus's
// named-status convenience wrapper.
func (s *Service) Transition(ctx context.Context, taskID string, event Event) (MaterializedTask, error) {
	_, after, err := s.log.Append(ctx, taskID, event)
	return after, err
}

// EventView is the JSON-friendly projection of a persisted task event
// returned by tasks.listEvents.
type EventView struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Actor     string          `json:"actor"`
	Kind      EventKind       `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// ListEvents returns taskID's full event log in order.
func (s *Service) ListEvents(ctx context.Context, taskID string) ([]EventView, error) {
	rows, err := s.db.ListTaskEvents(ctx, taskID, -1)
	if err != nil {
		return nil, err
	}
	out := make([]EventView, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventView{Seq: r.Seq, Timestamp: r.Timestamp, Actor: r.Actor, Kind: EventKind(r.Kind), Data: json.RawMessage(r.Data)})
	}
	return out, nil
}
