// Package sessions implements the session manager and the polymorphic
// Runner abstraction over AI agent CLI subprocesses (§4.3), grounded in
// original_source/daemon/src/session/claude.rs.
package sessions

import "context"

// ToolDecision is the human (or policy) response to a pending tool call,
// delivered to a Runner's blocked event loop via ResolveTool.
type ToolDecision int

const (
	ToolApproved ToolDecision = iota
	ToolRejected
)

// Runner supervises one AI agent CLI subprocess bound to a session,
// translating that CLI's wire protocol into the session.* events and store
// rows described in spec.md §4.3. All three providers (claude, codex,
// cursor) currently use ClaudeRunner, differing only in the binary run (see
// Manager.defaultRunner); the gateway sees only this method surface.
type Runner interface {
	// Start spawns the subprocess and begins its event loop in the
	// background. It returns once the subprocess is spawned, not once it
	// exits.
	Start(ctx context.Context) error
	// Send delivers content to the subprocess's stdin.
	Send(ctx context.Context, content string) error
	// Pause suspends delivery of further turns without killing the
	// subprocess.
	Pause(ctx context.Context) error
	// Resume reverses Pause.
	Resume(ctx context.Context) error
	// Stop terminates the subprocess and releases its resources.
	Stop(ctx context.Context) error
	// ResolveTool delivers a human decision for a pending tool call,
	// unblocking the runner's event loop. Returns an error if toolCallID
	// is not awaiting a decision.
	ResolveTool(ctx context.Context, toolCallID string, decision ToolDecision) error
}
