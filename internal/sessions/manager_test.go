package sessions

import (
	"context"
	"testing"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
)

// fakeRunner is a test double recording calls instead of spawning a
// subprocess.
type fakeRunner struct {
	started  bool
	sent     []string
	paused   bool
	stopped  bool
	resolved map[string]ToolDecision
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{resolved: make(map[string]ToolDecision)}
}

func (f *fakeRunner) Start(ctx context.Context) error { f.started = true; return nil }
func (f *fakeRunner) Send(ctx context.Context, content string) error {
	f.sent = append(f.sent, content)
	return nil
}
func (f *fakeRunner) Pause(ctx context.Context) error  { f.paused = true; return nil }
func (f *fakeRunner) Resume(ctx context.Context) error { f.paused = false; return nil }
func (f *fakeRunner) Stop(ctx context.Context) error   { f.stopped = true; return nil }
func (f *fakeRunner) ResolveTool(ctx context.Context, toolCallID string, decision ToolDecision) error {
	f.resolved[toolCallID] = decision
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	b := bus.NewBroadcaster(nil)
	pool := accounts.NewPool(db, b)
	cfg := config.Default()

	m := NewManager(db, b, pool, cfg, nil, nil, nil)
	fr := newFakeRunner()
	m.newRunnerFn = func(row *store.SessionRow) (Runner, error) { return fr, nil }
	return m, fr
}

func TestCreateSpawnsRunner(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.Provider != "claude" || row.RepoPath != "/repo" {
		t.Fatalf("unexpected session row: %+v", row)
	}
	if !fr.started {
		t.Fatal("expected runner to be started")
	}
}

func TestSendMessageForwardsToRunner(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	msg, err := m.SendMessage(ctx, row.ID, "hello")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.Role != "user" || msg.Content != "hello" {
		t.Fatalf("unexpected message row: %+v", msg)
	}
	if len(fr.sent) != 1 || fr.sent[0] != "hello" {
		t.Fatalf("expected runner to receive 'hello', got %+v", fr.sent)
	}
}

func TestSendMessageRejectsPausedAndBusy(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Pause(ctx, row.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.SendMessage(ctx, row.ID, "hi"); err == nil {
		t.Fatal("expected send to a paused session to fail")
	}

	if err := m.Resume(ctx, row.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := m.db.SetSessionStatus(ctx, row.ID, "running"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := m.SendMessage(ctx, row.ID, "hi"); err == nil {
		t.Fatal("expected send to a busy (running) session to fail")
	}

	if err := m.db.SetSessionStatus(ctx, row.ID, "idle"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := m.SendMessage(ctx, row.ID, "hi"); err != nil {
		t.Fatalf("expected send to an idle session to succeed: %v", err)
	}
	got, err := m.Get(ctx, row.ID)
	if err != nil || got.Status != "running" {
		t.Fatalf("expected status running after send, got %+v err=%v", got, err)
	}
}

func TestPauseResumeCancel(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Pause(ctx, row.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !fr.paused {
		t.Fatal("expected runner to be paused")
	}
	got, err := m.Get(ctx, row.ID)
	if err != nil || got.Status != "paused" {
		t.Fatalf("expected session status paused, got %+v err=%v", got, err)
	}

	if err := m.Resume(ctx, row.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if fr.paused {
		t.Fatal("expected runner to be resumed")
	}

	if err := m.Cancel(ctx, row.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !fr.stopped {
		t.Fatal("expected runner to be stopped")
	}
	got, err = m.Get(ctx, row.ID)
	if err != nil || got.Status != "cancelled" {
		t.Fatalf("expected session status cancelled, got %+v err=%v", got, err)
	}
}

func TestSetProvider(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.SetProvider(ctx, row.ID, "codex"); err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if !fr.stopped {
		t.Fatal("expected old runner to be stopped")
	}
	got, err := m.Get(ctx, row.ID)
	if err != nil || got.Provider != "codex" {
		t.Fatalf("expected provider codex, got %+v err=%v", got, err)
	}
}

func TestResolveTool(t *testing.T) {
	m, fr := newTestManager(t)
	ctx := context.Background()

	row, err := m.Create(ctx, "claude", "/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.ResolveTool(ctx, row.ID, "tc-1", ToolApproved); err != nil {
		t.Fatalf("resolve tool: %v", err)
	}
	if fr.resolved["tc-1"] != ToolApproved {
		t.Fatalf("expected tc-1 approved, got %+v", fr.resolved)
	}
}
