package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/health"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/history/factory"
	"github.com/loykin/stackup/internal/history/file"
	"github.com/loykin/stackup/internal/installer"
	"github.com/loykin/stackup/internal/logger"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/upgrade"
	"github.com/loykin/stackup/internal/version"
)

// networkRetryDelay is how long the network recovery waits before the retry.
var networkRetryDelay = 5 * time.Second

// app is one invocation's wiring, built from the loaded configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	closers []io.Closer
}

// open loads the configuration and wires every collaborator. The caller
// must call close.
func (c command) open(stderr io.Writer) (*app, error) {
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if c.flags.LogLevel != "" {
		if _, err := logger.ParseLevel(c.flags.LogLevel); err != nil {
			return nil, errs.Wrap(err, errs.CodeValidation, "--log-level")
		}
		cfg.Log.Level = c.flags.LogLevel
	}

	lc := cfg.Logger()
	log, logCloser := lc.New(stderr)
	a := &app{cfg: cfg, logger: log, closers: []io.Closer{logCloser}}

	reg, err := cfg.Registry()
	if err != nil {
		a.close()
		return nil, errs.Wrap(err, errs.CodeValidation, "components")
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", slog.String("error", err.Error()))
	}

	svc, err := service.New(service.Backend(cfg.Service.Backend), log)
	if err != nil {
		a.close()
		return nil, err
	}
	env, err := cfg.InstallerEnv()
	if err != nil {
		a.close()
		return nil, err
	}
	script := installer.NewScript(lc.InstallerWriters, log)
	script.Timeout = cfg.Installer.Timeout
	script.Env = env

	resolver := version.NewResolver(version.NewGitHubSource(cfg.Upstream.GitHubToken, cfg.Upstream.Timeout), log)
	backups := backup.New(cfg.Paths.BackupRoot, svc, backup.WithLogger(log))
	store := state.New(cfg.Paths.StateFile,
		state.WithHistoryLimit(cfg.History.Limit),
		state.WithOverflow(file.New(cfg.Paths.HistoryLog)),
		state.WithLogger(log),
	)

	var sink history.Sink = history.Discard{}
	if cfg.History.DSN != "" {
		s, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			// the audit sink is optional; the state document stays authoritative
			log.Warn("history sink disabled", slog.String("error", err.Error()))
		} else {
			sink = s
			if cl, ok := s.(history.Closer); ok {
				a.closers = append(a.closers, cl)
			}
		}
	}

	recovery := errs.NewRecovery(log)
	recovery.Register(errs.CodeStateCorrupt, func(context.Context, *errs.Error) error {
		return store.RestoreBackup()
	})
	recovery.Register(errs.CodeHealthCheckFailed, upgrade.RestartRecovery(svc))
	recovery.Register(errs.CodeNetwork, func(ctx context.Context, _ *errs.Error) error {
		t := time.NewTimer(networkRetryDelay)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	um := &upgrade.Manager{
		Versions:  resolver,
		Backups:   backups,
		Services:  svc,
		Installer: script,
		Health:    health.NewProber(cfg.Health.Attempts, cfg.Health.Interval, cfg.Health.Timeout, log),
		Recovery:  recovery,
		Logger:    log,
		MinFreeMB: cfg.Preflight.MinFreeMB,
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Registry: reg,
		Store:    store,
		Upgrader: um,
		Versions: resolver,
		Backups:  backups,
		Confirm:  c.confirm,
		Sink:     sink,
		Gatherer: prometheus.DefaultGatherer,
		Recovery: recovery,
		Logger:   log,
	}, orchestrator.Config{
		LockPath: cfg.Paths.LockFile,
		Pacing: orchestrator.Pacing{
			Safe:     cfg.Pacing.Safe,
			Standard: cfg.Pacing.Standard,
			Fast:     cfg.Pacing.Fast,
		},
		FailureThreshold: cfg.Policy.FailureThreshold,
		AutoRestore:      cfg.Policy.AutoRestore,
		KeepBackups:      cfg.Backup.KeepLast,
		MetricsTextfile:  cfg.Metrics.Textfile,
	})
	return a, nil
}

// close releases sinks and the log file, newest first.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			_, _ = os.Stderr.WriteString("close: " + err.Error() + "\n")
		}
	}
}
