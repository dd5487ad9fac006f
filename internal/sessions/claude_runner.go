package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
	"github.com/google/uuid"
)

// claudeEvent is one line of Claude Code's --output-format stream-json
// output. Only the fields clawd acts on are modeled; everything else falls
// into the "unknown, ignore" case via the Type switch in readLoop.
type claudeEvent struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	// tool_use
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	// result
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
}

// ClaudeRunner drives the `claude` CLI in stream-json mode, grounded in
// session/claude.rs's ClaudeCodeRunner.
type ClaudeRunner struct {
	sessionID string
	repoPath  string
	bin       string
	db        *store.Store
	bus       bus.EventPublisher
	log       *slog.Logger

	// accountID/pool/license wire the account rate-limit scheduler (§4.4)
	// into the live send path; pool is nil in tests that don't exercise it.
	accountID string
	pool      *accounts.Pool
	license   config.LicenseConfig

	// taskSvc/worktrees enforce §4.5/§4.6's write-path containment gate
	// against file-writing tool calls; both are nil when the session isn't
	// operating inside any registered task worktree.
	taskSvc   *tasks.Service
	worktrees *worktree.Manager

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdinW       *bufio.Writer
	stdin        io.Closer
	paused       bool
	limitedUntil time.Time

	toolMu      sync.Mutex
	toolQueue   map[string]chan ToolDecision
	deniedTools map[string]string
}

// NewClaudeRunner constructs a runner for sessionID, bound to repoPath.
func NewClaudeRunner(sessionID, repoPath, bin string, db *store.Store, publisher bus.EventPublisher, log *slog.Logger) *ClaudeRunner {
	if log == nil {
		log = slog.Default()
	}
	return &ClaudeRunner{
		sessionID:   sessionID,
		repoPath:    repoPath,
		bin:         bin,
		db:          db,
		bus:         publisher,
		log:         log,
		toolQueue:   make(map[string]chan ToolDecision),
		deniedTools: make(map[string]string),
	}
}

// WithAccount attaches the account pool + bound account id + license tier
// so stderr/result scanning can call pool.MarkLimited on a detected
// provider rate-limit signal.
func (r *ClaudeRunner) WithAccount(pool *accounts.Pool, accountID string, license config.LicenseConfig) *ClaudeRunner {
	r.pool = pool
	r.accountID = accountID
	r.license = license
	return r
}

// WithTasks attaches the task service + worktree manager consulted by
// handleToolUse's write-path containment gate.
func (r *ClaudeRunner) WithTasks(taskSvc *tasks.Service, worktrees *worktree.Manager) *ClaudeRunner {
	r.taskSvc = taskSvc
	r.worktrees = worktrees
	return r
}

// Start spawns the claude subprocess and launches its stdin writer, stderr
// logger, and stdout event loop.
func (r *ClaudeRunner) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, r.bin, "--output-format", "stream-json", "--dangerously-skip-permissions")
	cmd.Dir = r.repoPath

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runner stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runner stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("runner stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s — is it installed and on PATH? %w", r.bin, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.stdinW = bufio.NewWriter(stdinPipe)
	r.stdin = stdinPipe
	r.mu.Unlock()

	go r.logStderr(ctx, stderrPipe)
	go r.readLoop(ctx, stdoutPipe, cmd)

	return nil
}

func (r *ClaudeRunner) logStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		r.log.Debug("claude stderr", "session", r.sessionID, "line", line)
		if minutes, ok := accounts.DetectLimitSignal(line); ok {
			r.markRateLimited(ctx, minutes)
		}
	}
}

// markRateLimited records a cooldown on the runner (so Send fails fast with
// a classifiable error) and, if an account is bound, on the account pool so
// the scheduler stops handing that account out for new sessions.
func (r *ClaudeRunner) markRateLimited(ctx context.Context, cooldownMinutes int) {
	r.mu.Lock()
	r.limitedUntil = time.Now().Add(time.Duration(cooldownMinutes) * time.Minute)
	r.mu.Unlock()

	r.log.Warn("provider rate limit detected", "session", r.sessionID, "account", r.accountID, "cooldownMinutes", cooldownMinutes)
	if r.pool != nil && r.accountID != "" {
		if err := r.pool.MarkLimited(ctx, r.accountID, r.sessionID, cooldownMinutes, r.license); err != nil {
			r.log.Error("mark account limited", "session", r.sessionID, "account", r.accountID, "error", err)
		}
	}
}

func (r *ClaudeRunner) readLoop(ctx context.Context, stdout io.Reader, cmd *exec.Cmd) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	var currentMessageID string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev claudeEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			r.log.Warn("unparseable claude event", "session", r.sessionID, "line", line)
			continue
		}

		switch ev.Type {
		case "assistant":
			text := joinText(ev.Message.Content)
			if currentMessageID != "" {
				_ = r.db.UpdateMessageContent(ctx, currentMessageID, text, "streaming")
				r.bus.Broadcast(bus.Event{Name: "session.messageUpdated", Payload: map[string]interface{}{
					"sessionId": r.sessionID, "messageId": currentMessageID, "content": text, "status": "streaming",
				}})
			} else {
				msg, err := r.db.CreateMessage(ctx, newID(), r.sessionID, "assistant", text, "streaming")
				if err != nil {
					r.log.Error("create message", "session", r.sessionID, "error", err)
					continue
				}
				currentMessageID = msg.ID
				r.bus.Broadcast(bus.Event{Name: "session.messageCreated", Payload: map[string]interface{}{
					"sessionId": r.sessionID,
					"message":   map[string]interface{}{"id": msg.ID, "sessionId": r.sessionID, "role": "assistant", "content": text, "status": "streaming"},
				}})
			}

		case "tool_use":
			if currentMessageID != "" {
				_ = r.db.UpdateMessageContent(ctx, currentMessageID, "", "done")
				r.bus.Broadcast(bus.Event{Name: "session.messageUpdated", Payload: map[string]interface{}{
					"sessionId": r.sessionID, "messageId": currentMessageID, "status": "done",
				}})
				currentMessageID = ""
			}
			r.handleToolUse(ctx, ev)

		case "result":
			if currentMessageID != "" {
				_ = r.db.UpdateMessageContent(ctx, currentMessageID, "", "done")
				currentMessageID = ""
			}
			status := "idle"
			if ev.IsError {
				status = "error"
				if minutes, ok := accounts.DetectLimitSignal(line); ok {
					r.markRateLimited(ctx, minutes)
				}
			}
			_ = r.db.SetSessionStatus(ctx, r.sessionID, status)
			r.bus.Broadcast(bus.Event{Name: "session.statusChanged", Payload: map[string]interface{}{"sessionId": r.sessionID, "status": status}})

		case "system", "tool_result":
			// Startup info / tool result echo — no action needed.
		}
	}

	if err := cmd.Wait(); err != nil {
		r.log.Error("runner exited with error", "session", r.sessionID, "error", err)
		_ = r.db.SetSessionStatus(ctx, r.sessionID, "error")
		r.bus.Broadcast(bus.Event{Name: "session.statusChanged", Payload: map[string]interface{}{"sessionId": r.sessionID, "status": "error"}})
	}
}

// writeTools names the tool_use shapes that write to the filesystem and so
// are subject to §4.5/§4.6's write-path containment gate.
var writeTools = map[string]bool{
	"Write":              true,
	"Edit":               true,
	"MultiEdit":          true,
	"NotebookEdit":       true,
	"str_replace_editor": true,
}

func (r *ClaudeRunner) handleToolUse(ctx context.Context, ev claudeEvent) {
	toolMsg, err := r.db.CreateMessage(ctx, newID(), r.sessionID, "tool", "", "done")
	if err != nil {
		r.log.Error("create tool message", "session", r.sessionID, "error", err)
		return
	}
	tc, err := r.db.CreateToolCall(ctx, newID(), toolMsg.ID, ev.Name, string(ev.Input))
	if err != nil {
		r.log.Error("create tool call", "session", r.sessionID, "error", err)
		return
	}

	r.bus.Broadcast(bus.Event{Name: "session.toolCallCreated", Payload: map[string]interface{}{
		"sessionId": r.sessionID,
		"toolCall":  map[string]interface{}{"id": tc.ID, "messageId": toolMsg.ID, "name": ev.Name, "input": json.RawMessage(ev.Input), "status": "running"},
	}})

	if writeTools[ev.Name] {
		if denyErr := r.checkWriteGate(ctx, ev); denyErr != nil {
			r.denyToolUse(ctx, tc.ID, denyErr)
			return
		}
	}

	_ = r.db.SetSessionStatus(ctx, r.sessionID, "waiting")
	r.bus.Broadcast(bus.Event{Name: "session.statusChanged", Payload: map[string]interface{}{"sessionId": r.sessionID, "status": "waiting"}})

	decisionCh := make(chan ToolDecision, 1)
	r.toolMu.Lock()
	r.toolQueue[tc.ID] = decisionCh
	r.toolMu.Unlock()

	decision := <-decisionCh

	status, output := "done", "approved"
	if decision == ToolRejected {
		status, output = "error", "rejected by user"
	}
	_ = r.db.UpdateToolCall(ctx, tc.ID, output, status)
	r.bus.Broadcast(bus.Event{Name: "session.toolCallUpdated", Payload: map[string]interface{}{
		"sessionId": r.sessionID, "toolCallId": tc.ID, "status": status, "output": output,
	}})

	_ = r.db.SetSessionStatus(ctx, r.sessionID, "running")
	r.bus.Broadcast(bus.Event{Name: "session.statusChanged", Payload: map[string]interface{}{"sessionId": r.sessionID, "status": "running"}})
}

// checkWriteGate consults the write-path containment invariant (§4.5/§4.6)
// for a write-shaped tool_use event: a write succeeds iff the owning task's
// materialized state is Active, it has a claimant, and the path lies inside
// that task's registered worktree. A path that isn't inside any registered
// worktree is unrestricted — the gate only polices task-owned worktrees.
// Returns nil when the write is allowed, or a sentinel-prefixed error
// ("MODE_VIOLATION: ..." / "TOOL_DENIED: ...") when it is not.
func (r *ClaudeRunner) checkWriteGate(ctx context.Context, ev claudeEvent) error {
	if r.worktrees == nil || r.taskSvc == nil {
		return nil
	}
	path := extractWritePath(ev.Input)
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.repoPath, path)
	}

	taskID, err := r.worktrees.IsInWorktree(ctx, path)
	if err != nil || taskID == "" {
		return nil
	}

	mt, err := r.taskSvc.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("MODE_VIOLATION: task %s: %w", taskID, err)
	}
	if err := mt.CheckWriteAllowed(); err != nil {
		return fmt.Errorf("MODE_VIOLATION: %w", err)
	}
	// Re-validate containment against the worktree registry rather than
	// trusting the taskID IsInWorktree already resolved: a concurrent
	// Remove/merge between that lookup and here unregisters the worktree,
	// and ValidateWritePaths catches that race by re-reading the registry
	// fresh instead of reusing a stale Info.
	if err := r.worktrees.ValidateWritePaths(ctx, taskID, []string{path}); err != nil {
		return fmt.Errorf("TOOL_DENIED: %w", err)
	}
	return nil
}

// extractWritePath pulls the target file path out of a write-shaped tool's
// input, trying the field names Claude Code's own tool schemas use.
func extractWritePath(input json.RawMessage) string {
	var fields struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	if fields.FilePath != "" {
		return fields.FilePath
	}
	return fields.Path
}

// denyToolUse auto-rejects a tool call without waiting on client approval,
// recording the denial so a client that still calls tool.approve/tool.reject
// against toolCallID gets back a classifiable error (-32016/-32028) instead
// of a bare "not found".
func (r *ClaudeRunner) denyToolUse(ctx context.Context, toolCallID string, denyErr error) {
	r.log.Warn("denied write tool call", "session", r.sessionID, "toolCall", toolCallID, "error", denyErr)
	_ = r.db.UpdateToolCall(ctx, toolCallID, denyErr.Error(), "error")
	r.bus.Broadcast(bus.Event{Name: "session.toolCallUpdated", Payload: map[string]interface{}{
		"sessionId": r.sessionID, "toolCallId": toolCallID, "status": "error", "output": denyErr.Error(),
	}})

	r.toolMu.Lock()
	r.deniedTools[toolCallID] = denyErr.Error()
	r.toolMu.Unlock()

	_ = r.db.SetSessionStatus(ctx, r.sessionID, "running")
	r.bus.Broadcast(bus.Event{Name: "session.statusChanged", Payload: map[string]interface{}{"sessionId": r.sessionID, "status": "running"}})
}

// Send writes content followed by a newline to the subprocess's stdin.
func (r *ClaudeRunner) Send(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.limitedUntil.IsZero() && time.Now().Before(r.limitedUntil) {
		return fmt.Errorf("rate limit: account %s is cooling down until %s", r.accountID, r.limitedUntil.Format(time.RFC3339))
	}
	if r.stdinW == nil {
		return fmt.Errorf("runner not started")
	}
	if _, err := r.stdinW.WriteString(content); err != nil {
		return fmt.Errorf("runner stdin write: %w", err)
	}
	if err := r.stdinW.WriteByte('\n'); err != nil {
		return fmt.Errorf("runner stdin write: %w", err)
	}
	return r.stdinW.Flush()
}

// Pause marks the runner paused. Callers (the gateway) should stop routing
// new turns to a paused runner; the subprocess itself keeps running.
func (r *ClaudeRunner) Pause(ctx context.Context) error {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return nil
}

// Resume reverses Pause.
func (r *ClaudeRunner) Resume(ctx context.Context) error {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	return nil
}

// Stop closes stdin, which signals the subprocess to exit; the readLoop
// goroutine reaps it via cmd.Wait().
func (r *ClaudeRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stdin != nil {
		_ = r.stdin.Close()
		r.stdin = nil
		r.stdinW = nil
	}
	return nil
}

// ResolveTool delivers decision to the goroutine blocked on toolCallID in
// handleToolUse.
func (r *ClaudeRunner) ResolveTool(ctx context.Context, toolCallID string, decision ToolDecision) error {
	r.toolMu.Lock()
	if reason, denied := r.deniedTools[toolCallID]; denied {
		delete(r.deniedTools, toolCallID)
		r.toolMu.Unlock()
		return fmt.Errorf("%s", reason)
	}
	ch, ok := r.toolQueue[toolCallID]
	if ok {
		delete(r.toolQueue, toolCallID)
	}
	r.toolMu.Unlock()
	if !ok {
		return fmt.Errorf("tool call not found or already resolved: %s", toolCallID)
	}
	ch <- decision
	return nil
}

func newID() string {
	return uuid.NewString()
}

func joinText(blocks []struct {
	Type string `json:"type"`
	Text string `json:"text"`
}) string {
	out := ""
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
