// Package upgrade performs one component's upgrade end to end: idempotency
// check, preflight, snapshot, stop, delegated install, version and health
// verification, restart. It makes no cross-component decisions.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/health"
	"github.com/loykin/stackup/internal/installer"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/service"
	"github.com/loykin/stackup/internal/version"
)

// Outcome is the terminal state of one upgrade attempt.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeCompleted       Outcome = "completed"
	OutcomeFailed          Outcome = "failed"
	OutcomePreflightFailed Outcome = "preflight_failed"
	OutcomeDryRun          Outcome = "dry_run"
)

// Failed reports whether the outcome counts as a failure.
func (o Outcome) Failed() bool { return o == OutcomeFailed || o == OutcomePreflightFailed }

// Options are the per-run switches.
type Options struct {
	Force  bool
	DryRun bool
	// Target overrides the configured target version when set.
	Target string
	// AutoRestore restores the snapshot before restarting after a failure.
	AutoRestore bool
}

// Result reports what happened to one component.
type Result struct {
	Component string
	Outcome   Outcome
	From      string
	To        string
	Backup    *backup.Record
	// Restarted is true when the service was (re)started by this attempt.
	Restarted bool
	Warnings  []string
	Err       error
	Duration  time.Duration
}

func (r *Result) warn(log *slog.Logger, msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	r.Warnings = append(r.Warnings, msg)
	log.Warn(msg)
}

// Detector reports a component's installed version.
type Detector interface {
	DetectInstalled(ctx context.Context, binary, command string) (version.Version, bool)
}

// Snapshotter takes and restores backup records.
type Snapshotter interface {
	Snapshot(def component.Definition, installedVersion string) (*backup.Record, error)
	Restore(ctx context.Context, rec *backup.Record, def component.Definition) error
}

// Manager wires the collaborators of the single-component state machine.
type Manager struct {
	Versions  Detector
	Backups   Snapshotter
	Services  service.Manager
	Installer installer.Installer
	Health    health.Checker
	Recovery  *errs.Recovery
	Logger    *slog.Logger
	// MinFreeMB is the default preflight free-space requirement.
	MinFreeMB uint64
	// FreeBytes reports free space for a path; defaults to statfs.
	FreeBytes func(path string) (uint64, error)
	// RecoveryTimeout bounds the post-failure restart, which runs even when
	// the caller's context is canceled.
	RecoveryTimeout time.Duration
}

type componentKey struct{}

// WithComponent attaches def to ctx for recovery callbacks.
func WithComponent(ctx context.Context, def component.Definition) context.Context {
	return context.WithValue(ctx, componentKey{}, def)
}

// ComponentFrom returns the definition attached by WithComponent.
func ComponentFrom(ctx context.Context) (component.Definition, bool) {
	d, ok := ctx.Value(componentKey{}).(component.Definition)
	return d, ok
}

// RestartRecovery returns a recovery callback that restarts the component
// attached to the context, giving a failed health probe one more chance.
func RestartRecovery(svc service.Manager) errs.RecoveryFunc {
	return func(ctx context.Context, _ *errs.Error) error {
		def, ok := ComponentFrom(ctx)
		if !ok {
			return errors.New("no component in context")
		}
		return svc.Restart(ctx, def.ServiceName())
	}
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

// Upgrade drives def to its target version. Failures are reported in the
// Result, never returned or panicked.
func (m *Manager) Upgrade(ctx context.Context, def component.Definition, opts Options) (res Result) {
	start := time.Now()
	res = Result{Component: def.Name}
	log := m.logger().With(slog.String("component", def.Name))
	ops := errs.OpsFrom(ctx)
	ctx = WithComponent(errs.WithOps(ctx, ops), def)
	defer func() {
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Err = ops.Annotate(res.Err)
		}
	}()

	// Checking
	popCheck := ops.Push("Checking " + def.Name)
	targetStr := opts.Target
	if targetStr == "" {
		targetStr = def.TargetVersion
	}
	target, err := version.Parse(targetStr)
	if err != nil {
		err = ops.Annotate(errs.Wrap(err, errs.CodeValidation, "target version of %s", def.Name))
		popCheck()
		return m.fail(res, OutcomeFailed, err)
	}
	res.To = target.String()
	installed, isInstalled := m.Versions.DetectInstalled(ctx, def.Binary, def.VersionCommand)
	res.From = version.NotInstalled
	if isInstalled {
		res.From = installed.String()
	}
	popCheck()

	if isInstalled && version.Compare(installed, target) == version.Equal && !opts.Force {
		log.Info("already at target", slog.String("version", res.From))
		res.Outcome = OutcomeSkipped
		if !opts.DryRun {
			if err := m.verifyHealth(ctx, def, &res, log); err != nil {
				return m.fail(res, OutcomeFailed, err)
			}
		}
		return res
	}

	// Preflight
	popPre := ops.Push("Preflight checks")
	if err := m.preflight(def); err != nil {
		err = ops.Annotate(err)
		popPre()
		return m.fail(res, OutcomePreflightFailed, err)
	}
	popPre()

	change := version.ChangeMajor
	if isInstalled {
		change = version.Classify(installed, target)
	}
	log = log.With(slog.String("from", res.From), slog.String("to", res.To))
	if opts.DryRun {
		log.Info("dry-run: would upgrade", slog.String("change", string(change)))
		if isInstalled {
			log.Info("dry-run: would snapshot binary, config and unit")
		}
		log.Info("dry-run: would stop service", slog.String("service", def.ServiceName()))
		log.Info("dry-run: would run installer", slog.String("installer", def.Installer))
		log.Info("dry-run: would reload definitions, verify version and restart")
		if def.HealthURL != "" {
			log.Info("dry-run: would probe health", slog.String("url", def.HealthURL))
		}
		res.Outcome = OutcomeDryRun
		return res
	}
	log.Info("upgrading", slog.String("change", string(change)))

	// Snapshot
	if isInstalled && m.Backups != nil {
		pop := ops.Push("Creating backup")
		rec, err := m.Backups.Snapshot(def, res.From)
		if err != nil {
			metrics.IncBackup("failed")
			err = ops.Annotate(err)
			pop()
			return m.fail(res, OutcomeFailed, err)
		}
		pop()
		metrics.IncBackup("success")
		res.Backup = rec
	}

	// Stopping
	svcName := def.ServiceName()
	popStop := ops.Push("Stopping service")
	wasActive, err := m.Services.IsActive(ctx, svcName)
	if err != nil {
		res.warn(log, "could not query service state", err)
		wasActive = true
	}
	if wasActive {
		if err := m.Services.Stop(ctx, svcName); err != nil {
			res.warn(log, "stop failed, continuing", err)
		}
	}
	popStop()

	// Installing
	if err := m.step(ctx, "Installing "+res.To, func(ctx context.Context) error {
		return m.Installer.Install(ctx, def, res.To)
	}); err != nil {
		return m.restorePrevious(ctx, res, def, wasActive, err, opts, log)
	}
	if err := m.step(ctx, "Reloading service definitions", m.Services.Reload); err != nil {
		return m.restorePrevious(ctx, res, def, wasActive, err, opts, log)
	}

	// Verifying
	if err := m.step(ctx, "Verifying version", func(ctx context.Context) error {
		got, ok := m.Versions.DetectInstalled(ctx, def.Binary, def.VersionCommand)
		if !ok {
			return errs.New(errs.CodeVersionMismatch, "no version detected after install (want %s)", res.To)
		}
		if version.Compare(got, target) != version.Equal {
			return errs.New(errs.CodeVersionMismatch, "installed %s, want %s", got, res.To)
		}
		return nil
	}); err != nil {
		return m.restorePrevious(ctx, res, def, wasActive, err, opts, log)
	}

	// Restarting
	if err := m.step(ctx, "Restarting service", func(ctx context.Context) error {
		return m.Services.Restart(ctx, svcName)
	}); err != nil {
		return m.restorePrevious(ctx, res, def, wasActive, err, opts, log)
	}
	res.Restarted = true

	if err := m.verifyHealth(ctx, def, &res, log); err != nil {
		return m.restorePrevious(ctx, res, def, wasActive, err, opts, log)
	}

	res.Outcome = OutcomeCompleted
	log.Info("upgrade completed")
	return res
}

func (m *Manager) step(ctx context.Context, op string, fn func(context.Context) error) error {
	ops := errs.OpsFrom(ctx)
	pop := ops.Push(op)
	defer pop()
	if err := fn(ctx); err != nil {
		return ops.Annotate(err)
	}
	return nil
}

// verifyHealth probes HealthURL. A failure is returned only for the
// health authority; for other components it becomes a warning.
func (m *Manager) verifyHealth(ctx context.Context, def component.Definition, res *Result, log *slog.Logger) error {
	if def.HealthURL == "" || m.Health == nil {
		return nil
	}
	err := m.step(ctx, "Checking health", func(ctx context.Context) error {
		return m.Recovery.Run(ctx, func(ctx context.Context) error {
			return m.Health.Probe(ctx, def.HealthURL)
		})
	})
	if err == nil {
		return nil
	}
	if def.HealthAuthority {
		return err
	}
	res.warn(log, "health check failed", err)
	return nil
}

func (m *Manager) preflight(def component.Definition) error {
	need := def.MinFreeMB
	if need == 0 {
		need = m.MinFreeMB
	}
	if need > 0 {
		probe := def.Binary
		if probe == "" {
			probe = def.Installer
		}
		dir := existingDir(probe)
		free, err := m.freeBytes(dir)
		if err != nil {
			return errs.Wrap(err, errs.CodePreflightFailed, "check free space on %s", dir)
		}
		if free < need*1024*1024 {
			return errs.New(errs.CodePreflightFailed, "only %s free on %s, need %s",
				humanize.IBytes(free), dir, humanize.IBytes(need*1024*1024))
		}
	}
	if err := installer.CheckExecutable(def.Installer); err != nil {
		return errs.Wrap(err, errs.CodePreflightFailed, "installer check")
	}
	return nil
}

func (m *Manager) freeBytes(path string) (uint64, error) {
	if m.FreeBytes != nil {
		return m.FreeBytes(path)
	}
	return freeBytes(path)
}

// existingDir walks up from path to the nearest existing directory.
func existingDir(path string) string {
	dir := filepath.Dir(path)
	for {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

// restorePrevious puts the service back in its pre-upgrade state after a failure
// past the stop step, then reports the original failure.
func (m *Manager) restorePrevious(ctx context.Context, res Result, def component.Definition, wasActive bool, cause error, opts Options, log *slog.Logger) Result {
	timeout := m.RecoveryTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	restored := false
	if opts.AutoRestore && res.Backup != nil && m.Backups != nil {
		if err := m.Backups.Restore(rctx, res.Backup, def); err != nil {
			res.warn(log, "auto-restore failed", err)
		} else {
			restored = true
			res.Restarted = true
			log.Info("restored pre-upgrade backup", slog.String("record", res.Backup.ID))
		}
	}
	if !restored && wasActive {
		if err := m.Services.Start(rctx, def.ServiceName()); err != nil {
			res.warn(log, "restart after failure failed", err)
		} else {
			res.Restarted = true
		}
	}
	return m.fail(res, OutcomeFailed, cause)
}

func (m *Manager) fail(res Result, outcome Outcome, err error) Result {
	res.Outcome = outcome
	res.Err = err
	m.logger().Error("upgrade failed",
		slog.String("component", res.Component),
		slog.String("outcome", string(outcome)),
		slog.Any("error", err))
	return res
}
