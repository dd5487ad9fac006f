package worktree

import (
	"context"
	"fmt"
)

// StageForMerge returns the unified diff between taskID's worktree branch
// tip and its merge base with the main repo's current HEAD, used by
// worktrees.diff.
func StageForMerge(ctx context.Context, m *Manager, taskID string) (string, error) {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("get worktree: %w", err)
	}
	diff, err := runGitOutput(ctx, info.RepoPath, "diff", "HEAD..."+info.Branch)
	if err != nil {
		// Fall back to showing the branch's tip commit when the range
		// can't be resolved.
		diff, err = runGitOutput(ctx, info.WorktreePath, "show", info.Branch)
		if err != nil {
			return "", fmt.Errorf("git diff: %w", err)
		}
	}
	return diff, nil
}

// CommitAll stages and commits every change in taskID's worktree, used by
// worktrees.commit so an agent can snapshot progress before handing the
// worktree to code review without going through MergeToMain.
func CommitAll(ctx context.Context, m *Manager, taskID, message string) error {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if err := runGit(ctx, info.WorktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if message == "" {
		message = "checkpoint"
	}
	if err := runGit(ctx, info.WorktreePath, "commit", "--allow-empty", "-m", message); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// MergeToMain merges taskID's worktree branch into the repo's main branch,
// always creating a merge commit (--no-ff). It requires the worktree to be in StatusDone — an invariant
// enforced here, not just by convention, mirroring the original's
// merge_to_main guard.
func MergeToMain(ctx context.Context, m *Manager, taskID string, mainBranch string) error {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get worktree: %w", err)
	}
	if info.Status != StatusDone {
		return fmt.Errorf("worktree for task %s must be in Done status to merge, got %s", taskID, info.Status)
	}

	if err := runGit(ctx, info.RepoPath, "checkout", mainBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", mainBranch, err)
	}
	if err := runGit(ctx, info.RepoPath, "merge", "--no-ff", "-m", fmt.Sprintf("Merge %s", info.Branch), info.Branch); err != nil {
		return fmt.Errorf("git merge: %w", err)
	}
	if err := m.SetStatus(ctx, taskID, StatusMerged); err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	return nil
}
