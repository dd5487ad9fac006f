package protocol

// ProtocolVersion is bumped whenever the JSON-RPC method/event surface
// changes in a client-visible way.
const ProtocolVersion = 1

// RPC method name constants, organized by namespace per spec §6.
const (
	MethodDaemonAuth      = "daemon.auth"
	MethodDaemonPing      = "daemon.ping"
	MethodDaemonStatus    = "daemon.status"
	MethodDaemonProviders = "daemon.providers"

	MethodSessionCreate      = "session.create"
	MethodSessionList        = "session.list"
	MethodSessionGet         = "session.get"
	MethodSessionDelete      = "session.delete"
	MethodSessionSendMessage = "session.sendMessage"
	MethodSessionGetMessages = "session.getMessages"
	MethodSessionPause       = "session.pause"
	MethodSessionResume      = "session.resume"
	MethodSessionCancel      = "session.cancel"
	MethodSessionSetProvider = "session.setProvider"

	MethodToolApprove = "tool.approve"
	MethodToolReject  = "tool.reject"

	MethodAccountList        = "account.list"
	MethodAccountCreate      = "account.create"
	MethodAccountDelete      = "account.delete"
	MethodAccountSetPriority = "account.setPriority"

	MethodTasksList        = "tasks.list"
	MethodTasksGet         = "tasks.get"
	MethodTasksClaim       = "tasks.claim"
	MethodTasksRelease     = "tasks.release"
	MethodTasksHeartbeat   = "tasks.heartbeat"
	MethodTasksUpdateStatus = "tasks.updateStatus"
	MethodTasksTransition  = "tasks.transition"
	MethodTasksListEvents  = "tasks.listEvents"

	MethodWorktreesCreate = "worktrees.create"
	MethodWorktreesList   = "worktrees.list"
	MethodWorktreesDiff   = "worktrees.diff"
	MethodWorktreesCommit = "worktrees.commit"
	MethodWorktreesAccept = "worktrees.accept"
	MethodWorktreesReject = "worktrees.reject"
	MethodWorktreesDelete = "worktrees.delete"
	MethodWorktreesMerge  = "worktrees.merge"

	MethodApprovalList    = "approval.list"
	MethodApprovalRespond = "approval.respond"
)
