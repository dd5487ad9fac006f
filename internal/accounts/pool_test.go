package accounts

import (
	"context"
	"testing"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
)

func newTestPool(t *testing.T) (*Pool, *store.Store, *bus.Broadcaster) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b := bus.NewBroadcaster(nil)
	return NewPool(db, b), db, b
}

func TestPickAccountPrefersLowestPriority(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := db.CreateAccount(ctx, "a2", "claude", "second", 5); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateAccount(ctx, "a1", "claude", "first", 1); err != nil {
		t.Fatal(err)
	}

	got, err := pool.PickAccount(ctx, PickHint{})
	if err != nil {
		t.Fatalf("pick account: %v", err)
	}
	if got == nil || got.ID != "a1" {
		t.Fatalf("expected a1 (priority 1), got %+v", got)
	}
}

func TestPickAccountSkipsLimited(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := db.CreateAccount(ctx, "a1", "claude", "first", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateAccount(ctx, "a2", "claude", "second", 2); err != nil {
		t.Fatal(err)
	}
	if err := pool.MarkLimited(ctx, "a1", "sess-1", 60, config.LicenseConfig{}); err != nil {
		t.Fatalf("mark limited: %v", err)
	}

	got, err := pool.PickAccount(ctx, PickHint{})
	if err != nil {
		t.Fatalf("pick account: %v", err)
	}
	if got == nil || got.ID != "a2" {
		t.Fatalf("expected a2 (a1 limited), got %+v", got)
	}
}

func TestPickAccountHintFiltersProvider(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()

	if _, err := db.CreateAccount(ctx, "a1", "claude", "claude-acct", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := db.CreateAccount(ctx, "a2", "codex", "codex-acct", 0); err != nil {
		t.Fatal(err)
	}

	got, err := pool.PickAccount(ctx, PickHint{Provider: "codex"})
	if err != nil {
		t.Fatalf("pick account: %v", err)
	}
	if got == nil || got.ID != "a2" {
		t.Fatalf("expected a2 (codex), got %+v", got)
	}
}

func TestMarkLimitedBroadcastsByLicenseTier(t *testing.T) {
	pool, db, b := newTestPool(t)
	ctx := context.Background()
	if _, err := db.CreateAccount(ctx, "a1", "claude", "acct", 0); err != nil {
		t.Fatal(err)
	}

	var gotFree bus.Event
	b.Subscribe("free", func(e bus.Event) {
		if e.Name == "session.accountLimited" {
			gotFree = e
		}
	})
	if err := pool.MarkLimited(ctx, "a1", "sess-1", 60, config.LicenseConfig{}); err != nil {
		t.Fatalf("mark limited (free tier): %v", err)
	}
	if gotFree.Name != "session.accountLimited" {
		t.Fatalf("expected session.accountLimited broadcast, got %+v", gotFree)
	}

	var gotPaid bus.Event
	b.Subscribe("paid", func(e bus.Event) {
		if e.Name == "session.accountSwitched" {
			gotPaid = e
		}
	})
	if err := pool.MarkLimited(ctx, "a1", "sess-1", 60, config.LicenseConfig{AutoSwitch: true}); err != nil {
		t.Fatalf("mark limited (paid tier): %v", err)
	}
	if gotPaid.Name != "session.accountSwitched" {
		t.Fatalf("expected session.accountSwitched broadcast, got %+v", gotPaid)
	}
}

func TestCheckAccountLimit(t *testing.T) {
	pool, db, _ := newTestPool(t)
	ctx := context.Background()
	if _, err := db.CreateAccount(ctx, "a1", "claude", "acct", 0); err != nil {
		t.Fatal(err)
	}

	if err := pool.CheckAccountLimit(ctx, 0); err != nil {
		t.Fatalf("unlimited cap should never error: %v", err)
	}
	if err := pool.CheckAccountLimit(ctx, 2); err != nil {
		t.Fatalf("under cap should not error: %v", err)
	}
	if err := pool.CheckAccountLimit(ctx, 1); err == nil {
		t.Fatal("expected error at cap")
	}
}

func TestDetectLimitSignal(t *testing.T) {
	cases := []struct {
		output       string
		wantMinutes  int
		wantDetected bool
	}{
		{`{"type":"rate_limit_error","message":"slow down"}`, 60, true},
		{"HTTP 429 Too Many Requests", 60, true},
		{"Error: quota exceeded for this billing period", 240, true},
		{"service temporarily overloaded, at capacity", 15, true},
		{"here is your code review", 0, false},
	}
	for _, tc := range cases {
		mins, ok := DetectLimitSignal(tc.output)
		if ok != tc.wantDetected || (ok && mins != tc.wantMinutes) {
			t.Errorf("DetectLimitSignal(%q) = (%d, %v), want (%d, %v)", tc.output, mins, ok, tc.wantMinutes, tc.wantDetected)
		}
	}
}
