package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawd-io/clawd/internal/accounts"
	"github.com/clawd-io/clawd/internal/authtoken"
	"github.com/clawd-io/clawd/internal/bus"
	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/internal/gateway"
	"github.com/clawd-io/clawd/internal/logging"
	"github.com/clawd-io/clawd/internal/rollback"
	"github.com/clawd-io/clawd/internal/sessions"
	"github.com/clawd-io/clawd/internal/store"
	"github.com/clawd-io/clawd/internal/supervisor"
	"github.com/clawd-io/clawd/internal/tasks"
	"github.com/clawd-io/clawd/internal/tracing"
	"github.com/clawd-io/clawd/internal/worktree"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the clawd gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(verbose)
	log.Info("starting clawd", "version", Version, "gateway", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port))

	if err := os.MkdirAll(cfg.Gateway.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// A rollback here only restores the on-disk binary for the next
	// restart; this process keeps running on whatever binary launched it.
	rollback.CheckAndRollback(cfg.Gateway.DataDir, log)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	eventPub := bus.NewBroadcaster(log)
	accountPool := accounts.NewPool(db, eventPub)
	seedAccounts(context.Background(), db, cfg, log)

	taskLog := tasks.NewLog(db, cfg.Tasks.CheckpointEveryNEvents)
	taskSvc := tasks.NewService(taskLog, db, eventPub)
	worktrees := worktree.NewManager(db, cfg.Gateway.DataDir)
	sessionMgr := sessions.NewManager(db, eventPub, accountPool, cfg, log, taskSvc, worktrees)

	auth, err := authtoken.Load(cfg.Gateway.DataDir, log)
	if err != nil {
		return fmt.Errorf("load auth token: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	srv := gateway.NewServer(cfg, log, eventPub, db, sessionMgr, taskSvc, worktrees, accountPool, auth, tracer)

	jobs := supervisor.New(db, taskSvc, worktrees, cfg, log)
	go func() {
		if err := jobs.Run(ctx); err != nil {
			log.Warn("supervisor jobs exited", "error", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	log.Info("gateway listening", "addr", addr)
	rollback.DeleteSentinel(cfg.Gateway.DataDir)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// seedAccounts inserts every account declared in config into the store,
// ignoring duplicate-id errors so repeated restarts stay idempotent. An
// account whose id is already stored is left as it is, not updated.
func seedAccounts(ctx context.Context, db *store.Store, cfg *config.Config, log *slog.Logger) {
	for _, a := range cfg.Accounts {
		if _, err := db.CreateAccount(ctx, a.ID, a.Provider, a.DisplayName, a.Priority); err != nil {
			log.Debug("account already seeded", "account", a.ID, "error", err)
		}
	}
}
