package tasks

import (
	"testing"
	"time"
)

func makeSpec(id string) *Spec {
	return &Spec{ID: id, Title: "t", RepoPath: "/repo", Risk: RiskLow, Priority: 0}
}

func makeEvent(taskID string, seq int64, kind EventKind) Event {
	return Event{TaskID: taskID, Seq: seq, Timestamp: time.Unix(0, 0).UTC(), Actor: "agent-1", Kind: kind}
}

func TestPendingToActive(t *testing.T) {
	state := Initial()
	created := makeEvent("t1", 0, KindTaskCreated)
	created.Spec = makeSpec("t1")
	state, err := Reduce(state, created)
	if err != nil {
		t.Fatalf("TaskCreated: %v", err)
	}
	if state.State != StatePending {
		t.Fatalf("expected Pending, got %s", state.State)
	}

	state, err = Reduce(state, makeEvent("t1", 1, KindTaskActive))
	if err != nil {
		t.Fatalf("TaskActive from Pending: %v", err)
	}
	if state.State != StateActive {
		t.Fatalf("expected Active, got %s", state.State)
	}
}

func TestCheckWriteAllowedActiveClaimed(t *testing.T) {
	state := Initial()
	state.State = StateActive
	state.ClaimedBy = "agent-1"
	if err := state.CheckWriteAllowed(); err != nil {
		t.Fatalf("expected write allowed, got %v", err)
	}
}

func TestCheckWriteAllowedPending(t *testing.T) {
	state := Initial()
	state.State = StatePending
	if err := state.CheckWriteAllowed(); err == nil {
		t.Fatal("expected write to be disallowed from Pending")
	}
}

func TestToolCallIdempotency(t *testing.T) {
	state := Initial()
	state.State = StateActive
	state.ClaimedBy = "agent-1"

	ev := makeEvent("t1", 1, KindToolCalled)
	ev.Tool = "edit_file"
	ev.IdempotencyKey = "key-1"

	first, err := Reduce(state, ev)
	if err != nil {
		t.Fatalf("first ToolCalled: %v", err)
	}
	if !first.SeenIdempotencyKeys["key-1"] {
		t.Fatal("expected key-1 to be recorded")
	}

	ev2 := makeEvent("t1", 2, KindToolCalled)
	ev2.Tool = "edit_file"
	ev2.IdempotencyKey = "key-1"
	second, err := Reduce(first, ev2)
	if err != nil {
		t.Fatalf("repeated ToolCalled: %v", err)
	}
	if second.State != first.State || second.ClaimedBy != first.ClaimedBy {
		t.Fatal("expected state to be unchanged on repeated idempotency key")
	}
}

func TestInvalidTransition(t *testing.T) {
	state := Initial()
	state.State = StatePending
	if _, err := Reduce(state, makeEvent("t1", 1, KindTaskDone)); err == nil {
		t.Fatal("expected TaskDone from Pending to fail")
	}
}

func TestTaskActiveExcludesNeedsApproval(t *testing.T) {
	state := Initial()
	state.State = StateNeedsApproval
	if _, err := Reduce(state, makeEvent("t1", 1, KindTaskActive)); err == nil {
		t.Fatal("expected TaskActive from NeedsApproval to be rejected")
	}
}

func TestApprovalGrantedFromNeedsApproval(t *testing.T) {
	state := Initial()
	state.State = StateNeedsApproval
	state.PendingApprovalID = "appr-1"

	ev := makeEvent("t1", 1, KindApprovalGranted)
	ev.ApprovalID = "appr-1"
	state, err := Reduce(state, ev)
	if err != nil {
		t.Fatalf("ApprovalGranted: %v", err)
	}
	if state.State != StateActive {
		t.Fatalf("expected Active, got %s", state.State)
	}
	if state.PendingApprovalID != "" {
		t.Fatal("expected PendingApprovalID to be cleared")
	}
}

func TestApprovalDeniedFromNeedsApproval(t *testing.T) {
	state := Initial()
	state.State = StateNeedsApproval
	state.PendingApprovalID = "appr-1"

	ev := makeEvent("t1", 1, KindApprovalDenied)
	ev.ApprovalID = "appr-1"
	state, err := Reduce(state, ev)
	if err != nil {
		t.Fatalf("ApprovalDenied: %v", err)
	}
	if state.State != StateBlocked {
		t.Fatalf("expected Blocked, got %s", state.State)
	}
}

func TestCancelFromNonTerminal(t *testing.T) {
	state := Initial()
	state.State = StateBlocked
	state, err := Reduce(state, makeEvent("t1", 1, KindTaskCanceled))
	if err != nil {
		t.Fatalf("TaskCanceled: %v", err)
	}
	if state.State != StateCanceled {
		t.Fatalf("expected Canceled, got %s", state.State)
	}
}

func TestCancelFromTerminalRejected(t *testing.T) {
	state := Initial()
	state.State = StateDone
	if _, err := Reduce(state, makeEvent("t1", 1, KindTaskCanceled)); err == nil {
		t.Fatal("expected TaskCanceled from Done to be rejected")
	}
}
