// Package supervisor runs the daemon's background maintenance jobs: ticker
// goroutines that sweep stale task claims, archive finished worktrees, prune
// old activity logs and sessions, and vacuum the SQLite file. Grounded in
// the teacher's cmd/gateway.go periodic-task style, generalized to
// clawd's task/worktree/session domain.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/worktree"
)

// Jobs owns the tickers for every background maintenance routine. Run blocks
// until ctx is cancelled.
type Jobs struct {
	db        *store.Store
	taskSvc   *tasks.Service
	worktrees *worktree.Manager
	cfg       *config.Config
	log       *slog.Logger
}

// New builds the supervisory job set.
func New(db *store.Store, taskSvc *tasks.Service, worktrees *worktree.Manager, cfg *config.Config, log *slog.Logger) *Jobs {
	if log == nil {
		log = slog.Default()
	}
	return &Jobs{db: db, taskSvc: taskSvc, worktrees: worktrees, cfg: cfg, log: log}
}

// Run starts every maintenance ticker and blocks until ctx is cancelled or
// one of the loops returns a non-nil error (none do today — loop itself
// never returns an error, but the group gives every job a shared cancel
// path and a single place to observe a future job that can fail fatally).
func (j *Jobs) Run(ctx context.Context) error {
	heartbeatEvery := time.Duration(j.cfg.Tasks.HeartbeatIntervalSec) * time.Second
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	vacuumEvery := time.Duration(j.cfg.Database.VacuumIntervalH) * time.Hour
	if vacuumEvery <= 0 {
		vacuumEvery = 24 * time.Hour
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { j.loop(gctx, heartbeatEvery, j.sweepStaleHeartbeats); return nil })
	g.Go(func() error { j.loop(gctx, heartbeatEvery, j.archiveFinishedWorktrees); return nil })
	g.Go(func() error { j.loop(gctx, time.Hour, j.pruneActivity); return nil })
	g.Go(func() error { j.loop(gctx, time.Hour, j.pruneSessions); return nil })
	g.Go(func() error { j.loop(gctx, vacuumEvery, j.vacuum); return nil })
	return g.Wait()
}

func (j *Jobs) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepStaleHeartbeats blocks any Active task whose claimed agent stopped
// heartbeating, and releases every stale task's heartbeat row. The task's
// ClaimedBy is unchanged (see tasks.Service.Release).
func (j *Jobs) sweepStaleHeartbeats(ctx context.Context) {
	timeout := time.Duration(j.cfg.Tasks.HeartbeatTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	ids, err := j.db.StaleHeartbeats(ctx, time.Now().Add(-timeout))
	if err != nil {
		j.log.Warn("stale heartbeat scan failed", "error", err)
		return
	}
	for _, id := range ids {
		mt, err := j.taskSvc.Get(ctx, id)
		if err != nil {
			continue
		}
		if mt.State == tasks.StateActive {
			if _, err := j.taskSvc.UpdateStatus(ctx, id, "supervisor", "blocked", "", "agent heartbeat timed out"); err != nil {
				j.log.Warn("failed to block stale task", "task", id, "error", err)
				continue
			}
			j.log.Info("blocked task with stale heartbeat", "task", id)
		}
		_ = j.taskSvc.Release(ctx, id, "supervisor")
	}
}

// archiveFinishedWorktrees removes worktree checkouts for tasks that have
// sat in a terminal worktree status long enough, reclaiming disk.
func (j *Jobs) archiveFinishedWorktrees(ctx context.Context) {
	cutoff := time.Duration(j.cfg.Tasks.ArchiveAfterHours) * time.Hour
	if cutoff <= 0 {
		cutoff = 24 * time.Hour
	}
	infos, err := j.worktrees.List(ctx)
	if err != nil {
		j.log.Warn("worktree list failed during archival sweep", "error", err)
		return
	}
	for _, info := range infos {
		if info.Status != worktree.StatusMerged && info.Status != worktree.StatusRejected {
			continue
		}
		row, err := j.db.GetWorktree(ctx, info.TaskID)
		if err != nil || time.Since(row.UpdatedAt) < cutoff {
			continue
		}
		if _, err := j.worktrees.Remove(ctx, info.TaskID); err != nil {
			j.log.Warn("failed to archive worktree", "task", info.TaskID, "error", err)
			continue
		}
		j.log.Info("archived finished worktree", "task", info.TaskID)
	}
}

func (j *Jobs) pruneActivity(ctx context.Context) {
	days := j.cfg.Tasks.ActivityRetentionDays
	if days <= 0 {
		days = 30
	}
	n, err := j.db.PruneActivityOlderThan(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		j.log.Warn("activity prune failed", "error", err)
		return
	}
	if n > 0 {
		j.log.Info("pruned old activity log entries", "count", n)
	}
}

func (j *Jobs) pruneSessions(ctx context.Context) {
	days := j.cfg.Sessions.RetentionDays
	if days <= 0 {
		days = 30
	}
	n, err := j.db.PruneSessionsOlderThan(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		j.log.Warn("session prune failed", "error", err)
		return
	}
	if n > 0 {
		j.log.Info("pruned old sessions", "count", n)
	}
}

func (j *Jobs) vacuum(ctx context.Context) {
	if err := j.db.Vacuum(ctx); err != nil {
		j.log.Warn("vacuum failed", "error", err)
	}
}
