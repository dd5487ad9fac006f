package tasks

import (
	"context"
	"testing"

	"github.com/clawd-io/clawd/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLog(db, 3), db
}

func TestLogAppendAndReplay(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	created := Event{Actor: "user", Kind: KindTaskCreated, Spec: makeSpec("t1")}
	_, state, err := log.Append(ctx, "t1", created)
	if err != nil {
		t.Fatalf("append TaskCreated: %v", err)
	}
	if state.State != StatePending {
		t.Fatalf("expected Pending, got %s", state.State)
	}

	_, state, err = log.Append(ctx, "t1", Event{Actor: "agent-1", Kind: KindTaskClaimed, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("append TaskClaimed: %v", err)
	}
	if state.ClaimedBy != "agent-1" {
		t.Fatalf("expected claimed_by agent-1, got %q", state.ClaimedBy)
	}

	_, state, err = log.Append(ctx, "t1", Event{Actor: "agent-1", Kind: KindTaskActive})
	if err != nil {
		t.Fatalf("append TaskActive: %v", err)
	}
	if state.State != StateActive {
		t.Fatalf("expected Active, got %s", state.State)
	}

	replayed, err := log.Replay(ctx, "t1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.State != StateActive || replayed.ClaimedBy != "agent-1" {
		t.Fatalf("replay mismatch: %+v", replayed)
	}
}

func TestLogCheckpointAcceleration(t *testing.T) {
	log, db := newTestLog(t)
	ctx := context.Background()

	_, _, err := log.Append(ctx, "t1", Event{Actor: "user", Kind: KindTaskCreated, Spec: makeSpec("t1")})
	if err != nil {
		t.Fatalf("append TaskCreated: %v", err)
	}
	_, _, err = log.Append(ctx, "t1", Event{Actor: "agent-1", Kind: KindTaskClaimed, AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("append TaskClaimed: %v", err)
	}
	// Third append (seq=2) is the third event, which reaches the
	// checkpointEveryNEvents=3 threshold.
	_, _, err = log.Append(ctx, "t1", Event{Actor: "agent-1", Kind: KindTaskActive})
	if err != nil {
		t.Fatalf("append TaskActive: %v", err)
	}

	cp, err := db.LatestCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("expected a checkpoint to exist: %v", err)
	}
	if cp.TaskID != "t1" {
		t.Fatalf("checkpoint for wrong task: %+v", cp)
	}

	replayed, err := log.Replay(ctx, "t1")
	if err != nil {
		t.Fatalf("replay after checkpoint: %v", err)
	}
	if replayed.State != StateActive {
		t.Fatalf("expected Active after checkpoint-accelerated replay, got %s", replayed.State)
	}
}

func TestLogInvalidTransitionSurfacesOnAppend(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	_, _, err := log.Append(ctx, "t1", Event{Actor: "user", Kind: KindTaskCreated, Spec: makeSpec("t1")})
	if err != nil {
		t.Fatalf("append TaskCreated: %v", err)
	}
	if _, _, err := log.Append(ctx, "t1", Event{Actor: "agent-1", Kind: KindTaskDone}); err == nil {
		t.Fatal("expected TaskDone from Pending to fail")
	}
}
