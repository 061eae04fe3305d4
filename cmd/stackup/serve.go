package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stackup/internal/cron"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/server"
)

const apiBasePath = "/api"

// createServeCommand creates the serve subcommand
func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API and run scheduled backup pruning",
		Long: `Serve GET /api/status, /api/plan, /api/verify, /api/backups and /metrics.
The API never changes state. When [backup] prune_schedule is set
(e.g. "@every 24h") backups are pruned on that schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			addr := a.cfg.Server.Listen
			if flags.Listen != "" {
				addr = flags.Listen
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errs.Wrap(err, errs.CodeGeneral, "listen %s", addr)
			}
			return runServe(cmd.Context(), a, ln)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override server.listen")
	return cmd
}

// runServe serves on ln until ctx ends, then shuts down gracefully.
func runServe(ctx context.Context, a *app, ln net.Listener) error {
	srv := server.NewServer(ln.Addr().String(), apiBasePath, a.orch, metrics.Handler())

	sched := cron.NewScheduler(a.logger)
	if a.cfg.Backup.PruneSchedule != "" {
		job := &cron.Job{
			Name:     "backup-prune",
			Schedule: a.cfg.Backup.PruneSchedule,
			Run:      pruneJob(a),
		}
		if err := sched.Add(job); err != nil {
			_ = ln.Close()
			return errs.Wrap(err, errs.CodeValidation, "backup.prune_schedule")
		}
	}
	if err := sched.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving status API", slog.String("addr", ln.Addr().String()), slog.String("base", apiBasePath))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return errs.Wrap(err, errs.CodeGeneral, "serve %s", ln.Addr())
		}
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// pruneJob prunes with the configured retention. A busy lock means an
// upgrade is running; the sweep is skipped until the next tick.
func pruneJob(a *app) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		removed, err := a.orch.PruneBackups(ctx, orchestrator.PruneOptions{
			KeepLast:  a.cfg.Backup.KeepLast,
			OlderThan: a.cfg.Backup.MaxAge,
		})
		if errs.Is(err, errs.CodeLockUnavailable) {
			a.logger.Info("backup prune skipped, lock held")
			return nil
		}
		if err != nil {
			return err
		}
		if len(removed) > 0 {
			a.logger.Info("backups pruned", slog.Int("removed", len(removed)))
		}
		return nil
	}
}
