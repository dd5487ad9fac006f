package tasks

import (
	"context"
	"testing"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	log := NewLog(db, 50)
	return NewService(log, db, bus.NewBroadcaster(nil))
}

func TestServiceCreateAndGet(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	spec := Spec{ID: "t-1", Title: "Fix login bug", RepoPath: "/repo", Risk: RiskLow}
	created, err := s.Create(ctx, spec, "planner")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.State != StatePending {
		t.Fatalf("expected Pending, got %s", created.State)
	}

	got, err := s.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Spec.Title != "Fix login bug" {
		t.Fatalf("unexpected spec: %+v", got.Spec)
	}
}

func TestServiceClaimRejectsDoubleClaim(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	spec := Spec{ID: "t-2", Title: "Refactor", RepoPath: "/repo", Risk: RiskLow}
	if _, err := s.Create(ctx, spec, "planner"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "t-2", "agent-a", "implementer"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.Claim(ctx, "t-2", "agent-b", "implementer"); err == nil {
		t.Fatal("expected second claim by a different agent to fail")
	}
	// Same agent reclaiming is idempotent.
	if _, err := s.Claim(ctx, "t-2", "agent-a", "implementer"); err != nil {
		t.Fatalf("idempotent reclaim: %v", err)
	}
}

func TestServiceUpdateStatusRequiresNotesForDone(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	spec := Spec{ID: "t-3", Title: "Ship it", RepoPath: "/repo", Risk: RiskLow}
	if _, err := s.Create(ctx, spec, "planner"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "t-3", "agent-a", "implementer"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "t-3", "agent-a", "active", "", ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "t-3", "agent-a", "qa", "", ""); err == nil {
		t.Fatal("expected direct Active -> Qa transition to be rejected by the reducer")
	}
	if _, err := s.UpdateStatus(ctx, "t-3", "agent-a", "done", "", ""); err == nil {
		t.Fatal("expected done without notes to fail")
	}
}

func TestServiceListEvents(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	spec := Spec{ID: "t-4", Title: "Docs", RepoPath: "/repo", Risk: RiskLow}
	if _, err := s.Create(ctx, spec, "planner"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, "t-4", "agent-a", "implementer"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	events, err := s.ListEvents(ctx, "t-4")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindTaskCreated || events[1].Kind != KindTaskClaimed {
		t.Fatalf("unexpected event kinds: %+v", events)
	}
}
