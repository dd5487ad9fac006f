// Package ipcerr classifies internal errors into JSON-RPC error codes and
// scrubs home-directory paths from outgoing messages, grounded in
// original_source/apps/daemon/src/ipc/mod.rs's classify_error/
// sanitize_path_in_message pair.
package ipcerr

import (
	"os"
	"strings"

	"github.com/clawd-io/clawd/pkg/protocol"
)

// Classify maps err to a (code, message) pair suitable for a JSON-RPC error
// response. Call sites set an all-caps sentinel substring (e.g.
// "SESSION_BUSY") on domain errors they want mapped precisely; everything
// else falls through to looser substring heuristics.
func Classify(err error) (int, string) {
	if err == nil {
		return protocol.CodeInternalError, "internal error"
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "SESSION_NOT_FOUND") || strings.Contains(lower, "session not found"):
		return protocol.CodeSessionNotFound, "session not found"
	case strings.Contains(msg, "SESSION_LIMIT_REACHED") || strings.Contains(lower, "session limit"):
		return protocol.CodeSessionLimit, "session limit reached"
	case strings.Contains(msg, "SESSION_BUSY") || strings.Contains(lower, "session is busy"):
		return protocol.CodeSessionBusy, "session is busy — cancel or wait for the current turn"
	case strings.Contains(msg, "SESSION_PAUSED") || strings.Contains(lower, "session is paused"):
		return protocol.CodeSessionPaused, "session is paused — resume before sending messages"
	case strings.Contains(msg, "MODE_VIOLATION"):
		return protocol.CodeModeViolation, "blocked: task is not active or has no claimant"
	case strings.Contains(msg, "TOOL_DENIED"):
		return protocol.CodeToolDenied, "tool call denied: write path escapes the task's worktree"
	case strings.Contains(msg, "REPO_NOT_FOUND") || strings.Contains(lower, "not a git repository"):
		return protocol.CodeRepoNotFound, "repo not found"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit"):
		return protocol.CodeProviderRateLimit, "AI provider rate limit — try again shortly"
	case strings.Contains(lower, "task not found"):
		return protocol.CodeTaskNotFound, "task not found"
	case strings.Contains(lower, "already claimed"):
		return protocol.CodeTaskAlreadyClaimed, "task already claimed by another agent"
	case strings.Contains(lower, "completion notes"):
		return protocol.CodeTaskMissingNotes, "completion notes are required when marking a task done"
	case strings.Contains(lower, "not resumable") || strings.Contains(lower, "not in interrupted"):
		return protocol.CodeTaskNotResumable, "task cannot be resumed"
	case strings.Contains(lower, "invalid params") || strings.Contains(lower, "missing field"):
		return protocol.CodeInvalidParams, "invalid params: " + msg
	default:
		return protocol.CodeInternalError, "internal error"
	}
}

// SanitizeMessage strips the invoking user's home directory from msg,
// replacing it with "~" so error responses don't leak filesystem layout.
func SanitizeMessage(msg string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return msg
	}
	return strings.ReplaceAll(msg, home, "~")
}
