// Package worktree implements the per-task git worktree manager (§4.6):
// create/bind, write-path containment validation, and merge-to-main.
// Grounded in daemon/tests/worktree_test.rs's WorktreeManager contract; no
// pack example carries a libgit2/go-git binding, so — like the original —
// this shells out to the git binary via os/exec. See DESIGN.md.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawd-io/clawd/internal/store"
)

// Status mirrors the original's WorktreeStatus enum.
type Status string

const (
	StatusActive   Status = "Active"
	StatusDone     Status = "Done"
	StatusMerged   Status = "Merged"
	StatusRejected Status = "Rejected"
)

// Info is the in-memory view of a task's worktree returned by Create/Get.
type Info struct {
	TaskID       string
	WorktreePath string
	Branch       string
	RepoPath     string
	Status       Status
}

// Manager creates and tracks per-task git worktrees under a single root
// directory, registering each in the store's worktrees table.
type Manager struct {
	root string // {data_dir}/worktrees

	mu      sync.Mutex
	repoFor map[string]string // task_id -> main repo path, needed by merge/diff
	db      *store.Store
}

// NewManager constructs a Manager rooted at dataDir/worktrees.
func NewManager(db *store.Store, dataDir string) *Manager {
	return &Manager{
		root:    filepath.Join(dataDir, "worktrees"),
		repoFor: make(map[string]string),
		db:      db,
	}
}

// Create makes a new branch off repoPath's current HEAD, adds a worktree
// for it under the manager's root, and registers the binding. The branch is
// named clawd/<taskID>-<unix seconds>; title does not appear in it.
func (m *Manager) Create(ctx context.Context, taskID, title, repoPath string) (*Info, error) {
	if _, err := m.db.GetWorktree(ctx, taskID); err == nil {
		return nil, fmt.Errorf("worktree already registered for task %s", taskID)
	}

	branch := fmt.Sprintf("clawd/%s-%d", taskID, time.Now().UTC().Unix())
	wtPath := filepath.Join(m.root, taskID)

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}
	if err := runGit(ctx, repoPath, "worktree", "add", "-b", branch, wtPath); err != nil {
		return nil, fmt.Errorf("git worktree add: %w", err)
	}

	if _, err := m.db.CreateWorktree(ctx, taskID, wtPath, branch); err != nil {
		_ = runGit(ctx, repoPath, "worktree", "remove", "--force", wtPath)
		return nil, fmt.Errorf("register worktree: %w", err)
	}

	m.mu.Lock()
	m.repoFor[taskID] = repoPath
	m.mu.Unlock()

	return &Info{TaskID: taskID, WorktreePath: wtPath, Branch: branch, RepoPath: repoPath, Status: StatusActive}, nil
}

// BindTask is Create's idempotent form: a second call for the same taskID
// returns the existing binding instead of erroring.
func (m *Manager) BindTask(ctx context.Context, taskID, title, repoPath string) (*Info, error) {
	if existing, err := m.Get(ctx, taskID); err == nil {
		m.mu.Lock()
		if _, ok := m.repoFor[taskID]; !ok {
			m.repoFor[taskID] = repoPath
		}
		m.mu.Unlock()
		return existing, nil
	}
	return m.Create(ctx, taskID, title, repoPath)
}

// Get returns the registered worktree for taskID.
func (m *Manager) Get(ctx context.Context, taskID string) (*Info, error) {
	row, err := m.db.GetWorktree(ctx, taskID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	repoPath := m.repoFor[taskID]
	m.mu.Unlock()
	return &Info{TaskID: row.TaskID, WorktreePath: row.Root, Branch: row.Branch, RepoPath: repoPath, Status: Status(row.Status)}, nil
}

// List returns every registered worktree.
func (m *Manager) List(ctx context.Context) ([]*Info, error) {
	rows, err := m.db.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Info, 0, len(rows))
	for _, row := range rows {
		out = append(out, &Info{TaskID: row.TaskID, WorktreePath: row.Root, Branch: row.Branch, RepoPath: m.repoFor[row.TaskID], Status: Status(row.Status)})
	}
	return out, nil
}

// SetStatus transitions a worktree's lifecycle status.
func (m *Manager) SetStatus(ctx context.Context, taskID string, status Status) error {
	return m.db.SetWorktreeStatus(ctx, taskID, string(status))
}

// Remove detaches and deletes the worktree directory and unregisters it.
// Returns false (not an error) if taskID has no registered worktree.
func (m *Manager) Remove(ctx context.Context, taskID string) (bool, error) {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return false, nil
	}
	if info.RepoPath != "" {
		_ = runGit(ctx, info.RepoPath, "worktree", "remove", "--force", info.WorktreePath)
	}
	_ = os.RemoveAll(info.WorktreePath)
	if err := m.db.DeleteWorktree(ctx, taskID); err != nil {
		return false, fmt.Errorf("unregister worktree: %w", err)
	}
	m.mu.Lock()
	delete(m.repoFor, taskID)
	m.mu.Unlock()
	return true, nil
}

// IsInWorktree reports the task ID whose worktree lexically contains path,
// resolving symlinks on both sides so a writer can't escape containment via
// a symlinked worktree root. Returns "" if path is not inside any
// registered worktree.
func (m *Manager) IsInWorktree(ctx context.Context, path string) (string, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	for _, info := range infos {
		if contains(info.WorktreePath, path) {
			return info.TaskID, nil
		}
	}
	return "", nil
}

// ValidateWritePaths returns an error unless every path in paths lies
// inside taskID's registered worktree. Used to enforce §4.5's write gate
// at the filesystem boundary, not just the task-state boundary.
func (m *Manager) ValidateWritePaths(ctx context.Context, taskID string, paths []string) error {
	info, err := m.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("no worktree registered for task %s: %w", taskID, err)
	}
	for _, p := range paths {
		if !contains(info.WorktreePath, p) {
			return fmt.Errorf("path %q is outside worktree %q", p, info.WorktreePath)
		}
	}
	return nil
}

// contains reports whether candidate is root or lexically under root,
// after resolving symlinks on both (best-effort: a path that doesn't exist
// yet is checked as given).
func contains(root, candidate string) bool {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = root
	}
	resolvedCandidate, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		resolvedCandidate = filepath.Dir(candidate)
		if r, err2 := filepath.EvalSymlinks(resolvedCandidate); err2 == nil {
			resolvedCandidate = filepath.Join(r, filepath.Base(candidate))
		} else {
			resolvedCandidate = candidate
		}
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedCandidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !hasDotDotPrefix(rel))
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || os.IsPathSeparator(rel[2]))
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, string(out))
	}
	return nil
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %v: %w: %s", args, err, string(ee.Stderr))
		}
		return "", fmt.Errorf("git %v: %w", args, err)
	}
	return string(out), nil
}
