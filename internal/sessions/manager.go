package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
	"github.com/google/uuid"
)

// Manager owns the session registry: it persists session/message/tool-call
// rows via the store and keeps one running Runner per active session.
type Manager struct {
	db        *store.Store
	bus       bus.EventPublisher
	pool      *accounts.Pool
	cfg       *config.Config
	log       *slog.Logger
	taskSvc   *tasks.Service
	worktrees *worktree.Manager

	mu      sync.Mutex
	runners map[string]Runner

	// newRunnerFn builds a Runner for a session row; overridable in tests
	// to avoid spawning real CLI subprocesses.
	newRunnerFn func(*store.SessionRow) (Runner, error)
}

// NewManager constructs a session Manager. taskSvc/worktrees may be nil (no
// write-path containment gate is enforced for a daemon run without the task
// engine wired up).
func NewManager(db *store.Store, publisher bus.EventPublisher, pool *accounts.Pool, cfg *config.Config, log *slog.Logger, taskSvc *tasks.Service, worktrees *worktree.Manager) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		db:        db,
		bus:       publisher,
		pool:      pool,
		cfg:       cfg,
		log:       log,
		taskSvc:   taskSvc,
		worktrees: worktrees,
		runners:   make(map[string]Runner),
	}
	m.newRunnerFn = m.defaultRunner
	return m
}

// Create picks an account for provider (honoring hint), creates a session
// row, spawns its Runner, and returns the new session row.
func (m *Manager) Create(ctx context.Context, provider, repoPath string) (*store.SessionRow, error) {
	account, err := m.pool.PickAccount(ctx, accounts.PickHint{Provider: provider})
	if err != nil {
		return nil, fmt.Errorf("pick account: %w", err)
	}
	accountID := ""
	if account != nil {
		accountID = account.ID
	}

	id := uuid.NewString()
	row, err := m.db.CreateSession(ctx, id, provider, repoPath, accountID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	runner, err := m.newRunnerFn(row)
	if err != nil {
		_ = m.db.DeleteSession(ctx, id)
		return nil, err
	}
	if err := runner.Start(ctx); err != nil {
		_ = m.db.DeleteSession(ctx, id)
		return nil, fmt.Errorf("start runner: %w", err)
	}

	m.mu.Lock()
	m.runners[id] = runner
	m.mu.Unlock()

	return row, nil
}

// defaultRunner picks the Runner implementation for a session's provider.
// Codex and Cursor's CLI agents speak the same stream-json event shape as
// Claude Code (assistant/tool_use/result lines on stdout, free-form prompt
// text on stdin), so all three providers share ClaudeRunner today with only
// the binary name varying; a provider whose wire format diverges gets its
// own Runner implementation here without touching the Manager surface.
func (m *Manager) defaultRunner(row *store.SessionRow) (Runner, error) {
	var bin string
	switch row.Provider {
	case "claude":
		bin = m.cfg.Providers.ClaudeBin
	case "codex":
		bin = m.cfg.Providers.CodexBin
	case "cursor":
		bin = m.cfg.Providers.CursorBin
	default:
		return nil, fmt.Errorf("unknown provider %q", row.Provider)
	}
	runner := NewClaudeRunner(row.ID, row.RepoPath, bin, m.db, m.bus, m.log)
	runner.WithAccount(m.pool, row.AccountID.String, m.cfg.License)
	runner.WithTasks(m.taskSvc, m.worktrees)
	return runner, nil
}

// Get returns a session's row.
func (m *Manager) Get(ctx context.Context, id string) (*store.SessionRow, error) {
	return m.db.GetSession(ctx, id)
}

// List returns every session.
func (m *Manager) List(ctx context.Context) ([]*store.SessionRow, error) {
	return m.db.ListSessions(ctx)
}

// SendMessage enforces §4.3's turn semantics before forwarding to the
// runner: a paused session rejects the send outright, a session already
// mid-turn (running or waiting on tool approval) is busy, and only an idle
// session accepts the message and transitions to running.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string) (*store.MessageRow, error) {
	runner, err := m.runnerFor(sessionID)
	if err != nil {
		return nil, err
	}

	row, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	switch row.Status {
	case "paused":
		return nil, fmt.Errorf("SESSION_PAUSED: session %s is paused", sessionID)
	case "running", "waiting":
		return nil, fmt.Errorf("SESSION_BUSY: session %s is busy", sessionID)
	}

	msg, err := m.db.CreateMessage(ctx, uuid.NewString(), sessionID, "user", content, "done")
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := runner.Send(ctx, content); err != nil {
		return nil, fmt.Errorf("runner send: %w", err)
	}
	if err := m.db.SetSessionStatus(ctx, sessionID, "running"); err != nil {
		return nil, fmt.Errorf("set session status: %w", err)
	}
	return msg, nil
}

// Pause suspends a session's runner.
func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	runner, err := m.runnerFor(sessionID)
	if err != nil {
		return err
	}
	if err := runner.Pause(ctx); err != nil {
		return err
	}
	return m.db.SetSessionStatus(ctx, sessionID, "paused")
}

// Resume reverses Pause.
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	runner, err := m.runnerFor(sessionID)
	if err != nil {
		return err
	}
	if err := runner.Resume(ctx); err != nil {
		return err
	}
	return m.db.SetSessionStatus(ctx, sessionID, "running")
}

// Cancel stops a session's runner and marks it cancelled.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	runner, err := m.runnerFor(sessionID)
	if err != nil {
		return err
	}
	if err := runner.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.runners, sessionID)
	m.mu.Unlock()
	return m.db.SetSessionStatus(ctx, sessionID, "cancelled")
}

// SetProvider stops a session's current runner, switches its provider, and
// starts a fresh runner against the new CLI — used when a client wants to
// retry a stuck session under a different agent.
func (m *Manager) SetProvider(ctx context.Context, sessionID, provider string) error {
	row, err := m.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	oldRunner, ok := m.runners[sessionID]
	delete(m.runners, sessionID)
	m.mu.Unlock()
	if ok {
		_ = oldRunner.Stop(ctx)
	}

	if err := m.db.SetSessionProvider(ctx, sessionID, provider); err != nil {
		return err
	}
	row.Provider = provider

	runner, err := m.newRunnerFn(row)
	if err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	m.mu.Lock()
	m.runners[sessionID] = runner
	m.mu.Unlock()
	return nil
}

// ResolveTool delivers a tool-approval decision to a session's runner.
func (m *Manager) ResolveTool(ctx context.Context, sessionID, toolCallID string, decision ToolDecision) error {
	runner, err := m.runnerFor(sessionID)
	if err != nil {
		return err
	}
	return runner.ResolveTool(ctx, toolCallID, decision)
}

// Delete removes a session and, if it has a live runner, stops it first.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	runner, ok := m.runners[sessionID]
	delete(m.runners, sessionID)
	m.mu.Unlock()
	if ok {
		_ = runner.Stop(ctx)
	}
	return m.db.DeleteSession(ctx, sessionID)
}

func (m *Manager) runnerFor(sessionID string) (Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runner, ok := m.runners[sessionID]
	if !ok {
		return nil, fmt.Errorf("no running session %s", sessionID)
	}
	return runner, nil
}
