// Package orchestrator is the control plane: it plans upgrades from the
// component registry, confirms risky work with the operator, drives the
// single-component upgrade per phase with pacing, persists progress after
// every component and exposes status, resume, rollback and verification
// over the same state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/lock"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/upgrade"
	"github.com/loykin/stackup/internal/version"
)

// Upgrader runs one component's upgrade.
type Upgrader interface {
	Upgrade(ctx context.Context, def component.Definition, opts upgrade.Options) upgrade.Result
}

// Versions detects installed versions and looks up upstream releases.
type Versions interface {
	DetectInstalled(ctx context.Context, binary, command string) (version.Version, bool)
	FetchLatest(ctx context.Context, repository string) (version.Version, bool)
}

// Backups is the subset of the backup manager the orchestrator uses.
type Backups interface {
	List(name string) ([]backup.Record, error)
	Latest(name string) (*backup.Record, error)
	Restore(ctx context.Context, rec *backup.Record, def component.Definition) error
	Prune(opts backup.PruneOptions) ([]backup.Record, error)
}

// Pacing is the pause after a restarted component, per mode.
type Pacing struct {
	Safe     time.Duration
	Standard time.Duration
	Fast     time.Duration
}

// DefaultPacing waits longer the more careful the mode.
var DefaultPacing = Pacing{Safe: 30 * time.Second, Standard: 10 * time.Second}

// For returns the pause for mode.
func (p Pacing) For(mode state.Mode) time.Duration {
	switch mode {
	case state.ModeSafe:
		return p.Safe
	case state.ModeStandard:
		return p.Standard
	default:
		return p.Fast
	}
}

// Config holds orchestrator policy.
type Config struct {
	LockPath string
	Pacing   Pacing
	// FailureThreshold aborts phases 1 and 3 once failed/attempted exceeds
	// it after at least two attempts. Zero disables.
	FailureThreshold float64
	// AutoRestore restores the snapshot when an upgrade fails after stop.
	AutoRestore bool
	// KeepBackups prunes each component down to this many records after a
	// session. Zero disables.
	KeepBackups int
	// MetricsTextfile receives the metrics after each mutating command.
	MetricsTextfile string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Registry *component.Registry
	Store    *state.Store
	Upgrader Upgrader
	Versions Versions
	Backups  Backups
	Confirm  Confirmer
	Sink     history.Sink
	Gatherer prometheus.Gatherer
	// Recovery repairs state reads, e.g. restoring the backup copy of a
	// corrupt document.
	Recovery *errs.Recovery
	Logger   *slog.Logger
}

type Orchestrator struct {
	reg      *component.Registry
	store    *state.Store
	upgrader Upgrader
	versions Versions
	backups  Backups
	confirm  Confirmer
	sink     history.Sink
	gatherer prometheus.Gatherer
	recovery *errs.Recovery
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, cfg Config) *Orchestrator {
	o := &Orchestrator{
		reg:      deps.Registry,
		store:    deps.Store,
		upgrader: deps.Upgrader,
		versions: deps.Versions,
		backups:  deps.Backups,
		confirm:  deps.Confirm,
		sink:     deps.Sink,
		gatherer: deps.Gatherer,
		recovery: deps.Recovery,
		logger:   deps.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepCtx,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = history.Discard{}
	}
	if o.confirm == nil {
		o.confirm = Decline{}
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Selection picks the components of an upgrade: all, one component, or one
// phase.
type Selection struct {
	All       bool
	Component string
	Phase     component.Phase
}

func (s Selection) String() string {
	switch {
	case s.Component != "":
		return "component " + s.Component
	case s.Phase != 0:
		return fmt.Sprintf("phase %d", s.Phase)
	default:
		return "all"
	}
}

func (o *Orchestrator) selectDefs(sel Selection) ([]component.Definition, error) {
	n := 0
	if sel.All {
		n++
	}
	if sel.Component != "" {
		n++
	}
	if sel.Phase != 0 {
		n++
	}
	if n != 1 {
		return nil, errs.New(errs.CodeValidation, "select exactly one of all, a component or a phase")
	}
	switch {
	case sel.Component != "":
		def, ok := o.reg.Get(sel.Component)
		if !ok {
			return nil, errs.New(errs.CodeValidation, "unknown component %q", sel.Component).
				WithHint(fmt.Sprintf("known components: %v", o.reg.Names()))
		}
		return []component.Definition{def}, nil
	case sel.Phase != 0:
		if !sel.Phase.Valid() {
			return nil, errs.New(errs.CodeValidation, "phase must be 1, 2 or 3 (got %d)", sel.Phase)
		}
		defs := o.reg.ByPhase(sel.Phase)
		if len(defs) == 0 {
			return nil, errs.New(errs.CodeValidation, "no components in phase %d", sel.Phase)
		}
		return defs, nil
	default:
		defs := o.reg.All()
		if len(defs) == 0 {
			return nil, errs.New(errs.CodeValidation, "no components configured")
		}
		return defs, nil
	}
}

// acquire takes the state-mutation lock.
func (o *Orchestrator) acquire() (*lock.Lock, error) {
	l, err := lock.Acquire(o.cfg.LockPath)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("lock acquired", slog.String("path", l.Path()))
	return l, nil
}

func (o *Orchestrator) release(l *lock.Lock) {
	if err := l.Release(); err != nil {
		o.logger.Warn("lock release failed", slog.Any("error", err))
	}
}

func (o *Orchestrator) newSessionID() string {
	return o.now().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}

func (o *Orchestrator) emit(ctx context.Context, e history.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = o.now()
	}
	if err := o.sink.Send(ctx, e); err != nil {
		o.logger.Warn("history sink write failed", slog.String("event", string(e.Type)), slog.Any("error", err))
	}
}

func (o *Orchestrator) writeMetrics() {
	if o.gatherer == nil || o.cfg.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(o.cfg.MetricsTextfile, o.gatherer); err != nil {
		o.logger.Warn("metrics textfile write failed", slog.String("path", o.cfg.MetricsTextfile), slog.Any("error", err))
	}
}

// peekState reads the document without recovery. Lock-free callers use it
// so a corrupt file is reported, never rewritten.
func (o *Orchestrator) peekState() (*state.Document, error) {
	return o.store.Read()
}

// readState reads the document, running the registered recovery for a
// failed read. The caller must hold the lock.
func (o *Orchestrator) readState(ctx context.Context) (*state.Document, error) {
	var doc *state.Document
	err := o.recovery.Run(ctx, func(context.Context) error {
		d, err := o.store.Read()
		doc = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// detect renders the installed version of def for persistence.
func (o *Orchestrator) detect(ctx context.Context, def component.Definition) string {
	if v, ok := o.versions.DetectInstalled(ctx, def.Binary, def.VersionCommand); ok {
		return v.String()
	}
	return version.NotInstalled
}
