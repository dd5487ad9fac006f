package sessions

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
)

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README")
	run("commit", "-m", "initial")
}

func newGateTestRunner(t *testing.T) (*ClaudeRunner, *tasks.Service, *worktree.Manager, string) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	tmp := t.TempDir()
	repoDir := filepath.Join(tmp, "repo")
	initGitRepo(t, repoDir)

	b := bus.NewBroadcaster(nil)
	wm := worktree.NewManager(db, tmp)
	taskLog := tasks.NewLog(db, 50)
	taskSvc := tasks.NewService(taskLog, db, b)

	r := NewClaudeRunner("sess-1", repoDir, "claude", db, b, nil)
	r.WithTasks(taskSvc, wm)
	return r, taskSvc, wm, repoDir
}

func TestCheckWriteGateAllowsUnrelatedPath(t *testing.T) {
	r, _, _, repoDir := newGateTestRunner(t)
	ctx := context.Background()

	ev := claudeEvent{Name: "Write", Input: json.RawMessage(`{"file_path":"` + filepath.Join(repoDir, "README") + `"}`)}
	if err := r.checkWriteGate(ctx, ev); err != nil {
		t.Fatalf("expected a write outside any worktree to be unrestricted, got %v", err)
	}
}

func TestCheckWriteGateDeniesUnclaimedTask(t *testing.T) {
	r, taskSvc, wm, repoDir := newGateTestRunner(t)
	ctx := context.Background()

	if _, err := taskSvc.Create(ctx, tasks.Spec{ID: "t1", Title: "t", RepoPath: repoDir, Risk: tasks.RiskLow}, "tester"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	info, err := wm.Create(ctx, "t1", "t", repoDir)
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}

	target := filepath.Join(info.WorktreePath, "new.txt")
	ev := claudeEvent{Name: "Write", Input: json.RawMessage(`{"file_path":"` + target + `"}`)}
	err = r.checkWriteGate(ctx, ev)
	if err == nil {
		t.Fatal("expected write to a Pending/unclaimed task's worktree to be denied")
	}
}

func TestCheckWriteGateAllowsActiveClaimedTask(t *testing.T) {
	r, taskSvc, wm, repoDir := newGateTestRunner(t)
	ctx := context.Background()

	if _, err := taskSvc.Create(ctx, tasks.Spec{ID: "t2", Title: "t", RepoPath: repoDir, Risk: tasks.RiskLow}, "tester"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := taskSvc.Claim(ctx, "t2", "agent-1", "worker"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := taskSvc.UpdateStatus(ctx, "t2", "agent-1", "active", "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	info, err := wm.Create(ctx, "t2", "t", repoDir)
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}

	target := filepath.Join(info.WorktreePath, "new.txt")
	ev := claudeEvent{Name: "Write", Input: json.RawMessage(`{"file_path":"` + target + `"}`)}
	if err := r.checkWriteGate(ctx, ev); err != nil {
		t.Fatalf("expected write to an Active claimed task's worktree to be allowed, got %v", err)
	}
}

func TestCheckWriteGateUnrestrictedOutsideRegisteredWorktree(t *testing.T) {
	r, taskSvc, wm, repoDir := newGateTestRunner(t)
	ctx := context.Background()

	if _, err := taskSvc.Create(ctx, tasks.Spec{ID: "t3", Title: "t", RepoPath: repoDir, Risk: tasks.RiskLow}, "tester"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := taskSvc.Claim(ctx, "t3", "agent-1", "worker"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := taskSvc.UpdateStatus(ctx, "t3", "agent-1", "active", "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := wm.Create(ctx, "t3", "t", repoDir); err != nil {
		t.Fatalf("create worktree: %v", err)
	}

	// A path inside the main repo, not the worktree, resolves to no owning
	// task and so is unrestricted — the gate only polices worktree-owned
	// paths, matching IsInWorktree's "" return for paths outside any
	// registered worktree. This is distinct from a denial: a registered,
	// claimed, active task's worktree still lets writes outside it through
	// untouched, because the gate has no task to attribute them to.
	ev := claudeEvent{Name: "Write", Input: json.RawMessage(`{"file_path":"` + filepath.Join(repoDir, "README") + `"}`)}
	if err := r.checkWriteGate(ctx, ev); err != nil {
		t.Fatalf("expected path outside any registered worktree to be unrestricted, got %v", err)
	}
}

// TestCheckWriteGateDeniesAfterWorktreeRemoved checks the ValidateWritePaths
// re-check that checkWriteGate's TOOL_DENIED branch relies on: IsInWorktree
// resolves taskID while the worktree is still registered, then
// ValidateWritePaths re-reads the registry and sees it gone. The two calls
// are made directly because the concurrent-unregistration race cannot be
// staged inside a single checkWriteGate call.
func TestCheckWriteGateDeniesAfterWorktreeRemoved(t *testing.T) {
	_, taskSvc, wm, repoDir := newGateTestRunner(t)
	ctx := context.Background()

	if _, err := taskSvc.Create(ctx, tasks.Spec{ID: "t4", Title: "t", RepoPath: repoDir, Risk: tasks.RiskLow}, "tester"); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := taskSvc.Claim(ctx, "t4", "agent-1", "worker"); err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if _, err := taskSvc.UpdateStatus(ctx, "t4", "agent-1", "active", "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	info, err := wm.Create(ctx, "t4", "t", repoDir)
	if err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	target := filepath.Join(info.WorktreePath, "new.txt")

	taskID, err := wm.IsInWorktree(ctx, target)
	if err != nil || taskID != "t4" {
		t.Fatalf("expected IsInWorktree to resolve t4, got %q err=%v", taskID, err)
	}

	if _, err := wm.Remove(ctx, "t4"); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}

	if err := wm.ValidateWritePaths(ctx, taskID, []string{target}); err == nil {
		t.Fatal("expected ValidateWritePaths to deny a path whose worktree was unregistered after IsInWorktree resolved it")
	}
}

func TestDenyToolUseRecordsDenialForResolveTool(t *testing.T) {
	r, _, _, _ := newGateTestRunner(t)
	ctx := context.Background()

	if _, err := r.db.CreateSession(ctx, "sess-1", "claude", "/repo", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	toolMsg, err := r.db.CreateMessage(ctx, "tm1", "sess-1", "tool", "", "done")
	if err != nil {
		t.Fatalf("create tool message: %v", err)
	}
	tc, err := r.db.CreateToolCall(ctx, "tc1", toolMsg.ID, "Write", "{}")
	if err != nil {
		t.Fatalf("create tool call: %v", err)
	}

	r.denyToolUse(ctx, tc.ID, &testDenyErr{"MODE_VIOLATION: task is not Active"})

	if err := r.ResolveTool(ctx, tc.ID, ToolApproved); err == nil {
		t.Fatal("expected ResolveTool on a denied tool call to return the denial reason")
	}
}

type testDenyErr struct{ msg string }

func (e *testDenyErr) Error() string { return e.msg }
