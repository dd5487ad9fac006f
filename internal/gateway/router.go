package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/sessions"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
	"github.com/clawd-io/clawd/pkg/protocol"
)

// HandlerFunc handles one RPC method's params and returns a result value
// (marshaled into the response's "result" field) or an error.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// MethodRouter dispatches JSON-RPC method names to HandlerFunc, grounded in
// the teacher's single-switch dispatch in server.go but generalized to a
// lookup table; every namespace's handlers are methods defined in this file.
type MethodRouter struct {
	handlers map[string]HandlerFunc
}

// NewMethodRouter builds the full method table for s's component managers.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{handlers: make(map[string]HandlerFunc)}

	r.handlers[protocol.MethodDaemonPing] = func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	}
	r.handlers[protocol.MethodDaemonStatus] = s.handleDaemonStatus
	r.handlers[protocol.MethodDaemonProviders] = s.handleDaemonProviders

	r.handlers[protocol.MethodSessionCreate] = s.handleSessionCreate
	r.handlers[protocol.MethodSessionList] = s.handleSessionList
	r.handlers[protocol.MethodSessionGet] = s.handleSessionGet
	r.handlers[protocol.MethodSessionDelete] = s.handleSessionDelete
	r.handlers[protocol.MethodSessionSendMessage] = s.handleSessionSendMessage
	r.handlers[protocol.MethodSessionGetMessages] = s.handleSessionGetMessages
	r.handlers[protocol.MethodSessionPause] = s.handleSessionPause
	r.handlers[protocol.MethodSessionResume] = s.handleSessionResume
	r.handlers[protocol.MethodSessionCancel] = s.handleSessionCancel
	r.handlers[protocol.MethodSessionSetProvider] = s.handleSessionSetProvider

	r.handlers[protocol.MethodToolApprove] = s.handleToolApprove
	r.handlers[protocol.MethodToolReject] = s.handleToolReject

	r.handlers[protocol.MethodAccountList] = s.handleAccountList
	r.handlers[protocol.MethodAccountCreate] = s.handleAccountCreate
	r.handlers[protocol.MethodAccountDelete] = s.handleAccountDelete
	r.handlers[protocol.MethodAccountSetPriority] = s.handleAccountSetPriority

	r.handlers[protocol.MethodTasksList] = s.handleTasksList
	r.handlers[protocol.MethodTasksGet] = s.handleTasksGet
	r.handlers[protocol.MethodTasksClaim] = s.handleTasksClaim
	r.handlers[protocol.MethodTasksRelease] = s.handleTasksRelease
	r.handlers[protocol.MethodTasksHeartbeat] = s.handleTasksHeartbeat
	r.handlers[protocol.MethodTasksUpdateStatus] = s.handleTasksUpdateStatus
	r.handlers[protocol.MethodTasksListEvents] = s.handleTasksListEvents
	r.handlers[protocol.MethodTasksTransition] = s.handleTasksTransition

	r.handlers[protocol.MethodWorktreesCreate] = s.handleWorktreesCreate
	r.handlers[protocol.MethodWorktreesList] = s.handleWorktreesList
	r.handlers[protocol.MethodWorktreesDiff] = s.handleWorktreesDiff
	r.handlers[protocol.MethodWorktreesCommit] = s.handleWorktreesCommit
	r.handlers[protocol.MethodWorktreesAccept] = s.handleWorktreesAccept
	r.handlers[protocol.MethodWorktreesMerge] = s.handleWorktreesMerge
	r.handlers[protocol.MethodWorktreesReject] = s.handleWorktreesReject
	r.handlers[protocol.MethodWorktreesDelete] = s.handleWorktreesDelete

	r.handlers[protocol.MethodApprovalList] = s.handleApprovalList
	r.handlers[protocol.MethodApprovalRespond] = s.handleApprovalRespond

	return r
}

// Lookup returns the handler registered for method, if any.
func (r *MethodRouter) Lookup(method string) (HandlerFunc, bool) {
	h, ok := r.handlers[method]
	return h, ok
}

// ── helpers ──────────────────────────────────────────────────────────────

func decodeParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing field: params")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// ── daemon.* ─────────────────────────────────────────────────────────────

func (s *Server) handleDaemonStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	sess, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"version":        Version,
		"protocolVersion": protocol.ProtocolVersion,
		"activeSessions": len(sess),
		"configHash":     s.cfg.Hash(),
	}, nil
}

func (s *Server) handleDaemonProviders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	out := map[string]interface{}{}
	for _, p := range []string{"claude", "codex", "cursor"} {
		out[p] = map[string]interface{}{"availableAccounts": s.accountPool.CountAvailableAccounts(ctx, p)}
	}
	return out, nil
}

// ── session.* ────────────────────────────────────────────────────────────

func (s *Server) handleSessionCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		Provider string `json:"provider"`
		RepoPath string `json:"repoPath"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if s.cfg.Gateway.MaxSessions > 0 {
		existing, err := s.sessions.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(existing) >= s.cfg.Gateway.MaxSessions {
			return nil, fmt.Errorf("SESSION_LIMIT_REACHED: session limit reached")
		}
	}
	row, err := s.sessions.Create(ctx, req.Provider, req.RepoPath)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Server) handleSessionList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.sessions.List(ctx)
}

func (s *Server) handleSessionGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.sessions.Get(ctx, req.SessionID)
}

func (s *Server) handleSessionDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.sessions.Delete(ctx, req.SessionID); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newDeletedEvent(req.SessionID))
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleSessionSendMessage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.sessions.SendMessage(ctx, req.SessionID, req.Content)
}

func (s *Server) handleSessionGetMessages(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.store.GetMessages(ctx, req.SessionID)
}

func (s *Server) handleSessionPause(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"paused": true}, s.sessions.Pause(ctx, req.SessionID)
}

func (s *Server) handleSessionResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"resumed": true}, s.sessions.Resume(ctx, req.SessionID)
}

func (s *Server) handleSessionCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true}, s.sessions.Cancel(ctx, req.SessionID)
}

func (s *Server) handleSessionSetProvider(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		SessionID string `json:"sessionId"`
		Provider  string `json:"provider"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.sessions.SetProvider(ctx, req.SessionID, req.Provider); err != nil {
		return nil, err
	}
	return map[string]interface{}{"provider": req.Provider}, nil
}

// ── tool.* ───────────────────────────────────────────────────────────────

func (s *Server) handleToolApprove(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.resolveTool(ctx, params, sessions.ToolApproved)
}

func (s *Server) handleToolReject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.resolveTool(ctx, params, sessions.ToolRejected)
}

func (s *Server) resolveTool(ctx context.Context, params json.RawMessage, decision sessions.ToolDecision) (interface{}, error) {
	var req struct {
		SessionID  string `json:"sessionId"`
		ToolCallID string `json:"toolCallId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.sessions.ResolveTool(ctx, req.SessionID, req.ToolCallID, decision); err != nil {
		return nil, err
	}
	return map[string]interface{}{"resolved": true}, nil
}

// ── account.* ────────────────────────────────────────────────────────────

func (s *Server) handleAccountList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.store.ListAccounts(ctx)
}

func (s *Server) handleAccountCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		Provider    string `json:"provider"`
		DisplayName string `json:"displayName"`
		Priority    int    `json:"priority"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.accountPool.CheckAccountLimit(ctx, s.cfg.License.MaxAccounts); err != nil {
		return nil, err
	}
	return s.store.CreateAccount(ctx, uuid.NewString(), req.Provider, req.DisplayName, req.Priority)
}

func (s *Server) handleAccountDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.store.DeleteAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": true}, nil
}

func (s *Server) handleAccountSetPriority(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		AccountID string `json:"accountId"`
		Priority  int    `json:"priority"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.store.SetAccountPriority(ctx, req.AccountID, req.Priority); err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": true}, nil
}

// ── tasks.* ──────────────────────────────────────────────────────────────

func (s *Server) handleTasksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.taskSvc.List(ctx)
}

func (s *Server) handleTasksGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.taskSvc.Get(ctx, req.TaskID)
}

func (s *Server) handleTasksClaim(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID  string `json:"taskId"`
		AgentID string `json:"agentId"`
		Role    string `json:"role"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.taskSvc.Claim(ctx, req.TaskID, req.AgentID, req.Role)
}

func (s *Server) handleTasksRelease(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
		Actor  string `json:"actor"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.taskSvc.Release(ctx, req.TaskID, req.Actor); err != nil {
		return nil, err
	}
	return map[string]interface{}{"released": true}, nil
}

func (s *Server) handleTasksHeartbeat(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID  string `json:"taskId"`
		AgentID string `json:"agentId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.taskSvc.Heartbeat(ctx, req.TaskID, req.AgentID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleTasksUpdateStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
		Actor  string `json:"actor"`
		Status string `json:"status"`
		Notes  string `json:"notes"`
		Reason string `json:"reason"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.taskSvc.UpdateStatus(ctx, req.TaskID, req.Actor, req.Status, req.Notes, req.Reason)
}

func (s *Server) handleTasksListEvents(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.taskSvc.ListEvents(ctx, req.TaskID)
}

// handleTasksTransition is the low-level escape hatch for callers (mobile
// clients replaying a locally queued event, test harnesses) that need to
// append an arbitrary event kind rather than go through UpdateStatus's
// named-status convenience wrapper.
func (s *Server) handleTasksTransition(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string      `json:"taskId"`
		Actor  string      `json:"actor"`
		Kind   tasks.EventKind `json:"kind"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.taskSvc.Transition(ctx, req.TaskID, tasks.Event{Actor: req.Actor, Kind: req.Kind})
}

// ── worktrees.* ──────────────────────────────────────────────────────────

func (s *Server) handleWorktreesCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID   string `json:"taskId"`
		Title    string `json:"title"`
		RepoPath string `json:"repoPath"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	info, err := s.worktrees.BindTask(ctx, req.TaskID, req.Title, req.RepoPath)
	if err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newWorktreeStatusEvent(req.TaskID, string(info.Status)))
	return info, nil
}

func (s *Server) handleWorktreesList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.worktrees.List(ctx)
}

func (s *Server) handleWorktreesDiff(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	diff, err := worktree.StageForMerge(ctx, s.worktrees, req.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"diff": diff}, nil
}

func (s *Server) handleWorktreesCommit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID  string `json:"taskId"`
		Message string `json:"message"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := worktree.CommitAll(ctx, s.worktrees, req.TaskID, req.Message); err != nil {
		return nil, err
	}
	return map[string]interface{}{"committed": true}, nil
}

func (s *Server) handleWorktreesAccept(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.worktrees.SetStatus(ctx, req.TaskID, worktree.StatusDone); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newWorktreeStatusEvent(req.TaskID, string(worktree.StatusDone)))
	return map[string]interface{}{"accepted": true}, nil
}

func (s *Server) handleWorktreesMerge(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := worktree.MergeToMain(ctx, s.worktrees, req.TaskID, s.cfg.Worktrees.MainBranch); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newWorktreeStatusEvent(req.TaskID, string(worktree.StatusMerged)))
	return map[string]interface{}{"merged": true}, nil
}

func (s *Server) handleWorktreesReject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.worktrees.SetStatus(ctx, req.TaskID, worktree.StatusRejected); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newWorktreeStatusEvent(req.TaskID, string(worktree.StatusRejected)))
	return map[string]interface{}{"rejected": true}, nil
}

func (s *Server) handleWorktreesDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	removed, err := s.worktrees.Remove(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": removed}, nil
}

// ── approval.* ───────────────────────────────────────────────────────────

func (s *Server) handleApprovalList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"taskId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, req.TaskID)
}

func (s *Server) handleApprovalRespond(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID     string `json:"taskId"`
		ApprovalID string `json:"approvalId"`
		Actor      string `json:"actor"`
		Approved   bool   `json:"approved"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	kind := tasks.KindApprovalDenied
	if req.Approved {
		kind = tasks.KindApprovalGranted
	}
	result, err := s.taskSvc.Transition(ctx, req.TaskID, tasks.Event{Actor: req.Actor, Kind: kind, ApprovalID: req.ApprovalID, By: req.Actor})
	if err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(newApprovalResolvedEvent(req.TaskID, req.ApprovalID, req.Approved))
	return result, nil
}

func newDeletedEvent(sessionID string) bus.Event {
	return bus.Event{Name: "session.deleted", Payload: map[string]interface{}{"sessionId": sessionID}}
}

func newWorktreeStatusEvent(taskID, status string) bus.Event {
	return bus.Event{Name: "worktree.statusChanged", Payload: map[string]interface{}{"taskId": taskID, "status": status}}
}

func newApprovalResolvedEvent(taskID, approvalID string, approved bool) bus.Event {
	return bus.Event{Name: "approval.resolved", Payload: map[string]interface{}{"taskId": taskID, "approvalId": approvalID, "approved": approved}}
}
