package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/upgrade"
)

// Options are the immutable switches of one upgrade or resume run.
type Options struct {
	Mode   state.Mode
	DryRun bool
	Force  bool
	// AutoConfirm answers yes to high-risk prompts outside safe mode.
	AutoConfirm bool
	// TargetLatest targets the upstream latest release instead of the
	// configured target version.
	TargetLatest bool
}

func (opts Options) normalize() (Options, error) {
	if opts.Mode == "" {
		opts.Mode = state.ModeStandard
	}
	if !opts.Mode.Valid() {
		return opts, errs.New(errs.CodeValidation, "invalid mode %q (want safe, standard, fast or dry_run)", opts.Mode)
	}
	if opts.Mode == state.ModeDryRun {
		opts.DryRun = true
	}
	return opts, nil
}

// Report summarizes a run.
type Report struct {
	SessionID string              `json:"session_id,omitempty"`
	Mode      state.Mode          `json:"mode"`
	DryRun    bool                `json:"dry_run"`
	Status    state.SessionStatus `json:"status"`
	Results   []upgrade.Result    `json:"results"`
	// Aborted is set when a phase stopped the run early.
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
}

// Count returns the number of results with outcome.
func (r *Report) Count(outcome upgrade.Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Failures returns the number of failed results.
func (r *Report) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome.Failed() {
			n++
		}
	}
	return n
}

// Upgrade runs the selected components phase by phase.
func (o *Orchestrator) Upgrade(ctx context.Context, sel Selection, opts Options) (*Report, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	defs, err := o.selectDefs(sel)
	if err != nil {
		return nil, err
	}
	if opts.DryRun {
		return o.dryRun(ctx, defs, opts)
	}
	l, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.release(l)
	return o.execute(ctx, defs, opts, "")
}

// Resume re-runs every pending, failed or in-progress component of the last
// session under the same session id. Completed components are untouched.
func (o *Orchestrator) Resume(ctx context.Context, opts Options) (*Report, error) {
	read := func(context.Context) (*state.Document, error) { return o.peekState() }
	if !opts.DryRun && opts.Mode != state.ModeDryRun {
		l, err := o.acquire()
		if err != nil {
			return nil, err
		}
		defer o.release(l)
		read = o.readState
	}
	doc, err := read(ctx)
	if err != nil {
		return nil, err
	}
	if !doc.Resumable() {
		return nil, errs.New(errs.CodeNotResumable, "last session is %s; nothing to resume", doc.Session.Status)
	}
	if opts.Mode == "" {
		opts.Mode = doc.Session.Mode
	}
	if opts, err = opts.normalize(); err != nil {
		return nil, err
	}
	var defs []component.Definition
	for _, name := range doc.Names() {
		switch doc.Components[name].Status {
		case state.StatusPending, state.StatusFailed, state.StatusInProgress:
		default:
			continue
		}
		def, ok := o.reg.Get(name)
		if !ok {
			o.logger.Warn("component in state is no longer configured; skipping", slog.String("component", name))
			continue
		}
		defs = append(defs, def)
	}
	component.Sort(defs)
	o.logger.Info("resuming session", slog.String("session", doc.Session.ID), slog.Int("components", len(defs)))
	if opts.DryRun {
		return o.dryRun(ctx, defs, opts)
	}
	return o.execute(ctx, defs, opts, doc.Session.ID)
}

// targets resolves per-component target overrides.
func (o *Orchestrator) targets(ctx context.Context, defs []component.Definition, opts Options) map[string]string {
	out := map[string]string{}
	if !opts.TargetLatest {
		return out
	}
	for _, def := range defs {
		if def.Repository == "" {
			continue
		}
		v, ok := o.versions.FetchLatest(ctx, def.Repository)
		if !ok {
			o.logger.Warn("latest release unknown; keeping configured target",
				slog.String("component", def.Name), slog.String("target", def.TargetVersion))
			continue
		}
		out[def.Name] = v.String()
	}
	return out
}

func (o *Orchestrator) dryRun(ctx context.Context, defs []component.Definition, opts Options) (*Report, error) {
	report := &Report{Mode: opts.Mode, DryRun: true, Status: state.SessionIdle}
	agg := errs.NewAggregate(errs.CodeGeneral, "dry run")
	targets := o.targets(ctx, defs, opts)
	pause := o.cfg.Pacing.For(opts.Mode)
	for _, group := range component.GroupByPhase(defs) {
		phase := group[0].Phase
		o.logger.Info("dry run: would start phase", slog.Int("phase", int(phase)), slog.String("name", phase.String()))
		if opts.Mode == state.ModeSafe {
			o.logger.Info("dry run: would confirm phase", slog.Int("phase", int(phase)))
		}
		for _, def := range group {
			if o.needsConfirm(def, opts) {
				o.logger.Info("dry run: would confirm high-risk component", slog.String("component", def.Name))
			}
			res := o.upgrader.Upgrade(ctx, def, upgrade.Options{DryRun: true, Force: opts.Force, Target: targets[def.Name]})
			report.Results = append(report.Results, res)
			if res.Outcome.Failed() {
				agg.Add(res.Err)
			}
			if res.Outcome == upgrade.OutcomeDryRun && pause > 0 {
				o.logger.Info("dry run: would pause", slog.String("after", def.Name), slog.Duration("pause", pause))
			}
		}
	}
	return report, collapse(agg)
}

// needsConfirm reports whether def must be confirmed before it runs.
func (o *Orchestrator) needsConfirm(def component.Definition, opts Options) bool {
	if def.Risk != component.RiskHigh {
		return false
	}
	return opts.Mode == state.ModeSafe || !opts.AutoConfirm
}

// ask returns nil when the operator agreed to prompt.
func (o *Orchestrator) ask(ctx context.Context, prompt string) error {
	ok, err := o.confirm.Confirm(ctx, prompt)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeCanceled {
			return err
		}
		return errs.Wrap(err, errs.CodeCanceled, "confirmation failed")
	}
	if !ok {
		return errs.New(errs.CodeCanceled, "declined: %s", prompt)
	}
	return nil
}

// run carries the mutable bookkeeping of one execute call.
type run struct {
	id        string
	opts      Options
	log       *slog.Logger
	ops       *errs.Context
	persist   context.Context
	report    *Report
	agg       *errs.Aggregate
	targets   map[string]string
	needPause bool
}

func (o *Orchestrator) execute(ctx context.Context, defs []component.Definition, opts Options, resumeID string) (*Report, error) {
	ops := errs.OpsFrom(ctx)
	ctx = errs.WithOps(ctx, ops)
	// Progress is persisted even after the command context is canceled.
	persist := context.WithoutCancel(ctx)

	id := resumeID
	if id == "" {
		id = o.newSessionID()
	}
	r := &run{
		id:      id,
		opts:    opts,
		log:     o.logger.With(slog.String("session", id), slog.String("mode", string(opts.Mode))),
		ops:     ops,
		persist: persist,
		report:  &Report{SessionID: id, Mode: opts.Mode, Status: state.SessionInProgress},
		agg:     errs.NewAggregate(errs.CodeGeneral, "upgrade session "+id),
		targets: o.targets(ctx, defs, opts),
	}
	started := o.now()
	err := o.store.Update(persist, func(d *state.Document) error {
		beginSession(d, id, opts.Mode, defs, started, resumeID != "")
		return nil
	})
	if err != nil {
		return r.report, err
	}
	r.log.Info("session started", slog.Int("components", len(defs)), slog.Bool("resumed", resumeID != ""))

	var runErr error
	for _, group := range component.GroupByPhase(defs) {
		stop, err := o.runPhase(ctx, r, group)
		if err != nil {
			runErr = err
			break
		}
		if stop {
			break
		}
	}
	return o.finish(r, started, runErr)
}

// runPhase upgrades one phase. It reports stop when the run must not
// continue to the next phase; a non-nil error is fatal or a cancellation.
func (o *Orchestrator) runPhase(ctx context.Context, r *run, group []component.Definition) (stop bool, err error) {
	phase := group[0].Phase
	pop := r.ops.Push(fmt.Sprintf("Phase %d (%s)", phase, phase))
	defer pop()

	p := int(phase)
	if err := o.store.Update(r.persist, func(d *state.Document) error {
		d.Session.CurrentPhase = &p
		return nil
	}); err != nil {
		return true, err
	}
	r.log.Info("phase started", slog.Int("phase", p), slog.String("name", phase.String()), slog.Int("components", len(group)))

	attempted, failed := 0, 0
	for i, def := range group {
		if err := ctx.Err(); err != nil {
			return true, errs.Wrap(err, errs.CodeCanceled, "interrupted before %s", def.Name)
		}
		if d := o.cfg.Pacing.For(r.opts.Mode); r.needPause && d > 0 {
			r.log.Info("pacing", slog.Duration("pause", d), slog.String("next", def.Name))
			if err := o.sleep(ctx, d); err != nil {
				return true, errs.Wrap(err, errs.CodeCanceled, "interrupted while pacing before %s", def.Name)
			}
		}
		r.needPause = false
		if i == 0 && r.opts.Mode == state.ModeSafe {
			if err := o.ask(ctx, fmt.Sprintf("Proceed with phase %d (%s): %s?", p, phase, names(group))); err != nil {
				return true, r.ops.Annotate(errs.Wrap(err, errs.CodeCanceled, "phase %d not confirmed", p))
			}
		}
		if o.needsConfirm(def, r.opts) {
			prompt := fmt.Sprintf("Upgrade high-risk component %s to %s?", def.Name, targetOf(def, r.targets))
			if err := o.ask(ctx, prompt); err != nil {
				return true, r.ops.Annotate(errs.Wrap(err, errs.CodeCanceled, "%s not confirmed", def.Name))
			}
		}

		res, err := o.upgradeOne(ctx, r, def)
		if err != nil {
			return true, err
		}
		attempted++
		if res.Outcome.Failed() {
			failed++
			if res.Err == nil {
				res.Err = errs.New(errs.CodeGeneral, "%s: %s", def.Name, res.Outcome)
			}
			r.agg.Add(res.Err)
			if phase.AbortOnFailure() {
				r.abort(fmt.Sprintf("%s failed in phase %d; remaining components not started", def.Name, p))
				return true, nil
			}
			if t := o.cfg.FailureThreshold; t > 0 && attempted >= 2 && float64(failed)/float64(attempted) > t {
				r.abort(fmt.Sprintf("phase %d failure ratio %d/%d exceeds %.2f", p, failed, attempted, t))
				return true, nil
			}
		}
		r.needPause = res.Restarted
	}
	return false, nil
}

func (r *run) abort(reason string) {
	r.report.Aborted = true
	r.report.AbortReason = reason
	r.log.Error("run aborted", slog.String("reason", reason))
}

// upgradeOne runs def and persists the outcome before returning.
func (o *Orchestrator) upgradeOne(ctx context.Context, r *run, def component.Definition) (upgrade.Result, error) {
	extra := state.Extra{Phase: int(def.Phase), Risk: string(def.Risk)}
	if err := o.store.Update(r.persist, func(d *state.Document) error {
		d.SetComponent(def.Name, state.StatusInProgress, extra, o.now())
		return nil
	}); err != nil {
		return upgrade.Result{}, err
	}

	pop := r.ops.Push("Upgrading " + def.Name)
	res := o.upgrader.Upgrade(ctx, def, upgrade.Options{
		Force:       r.opts.Force,
		Target:      r.targets[def.Name],
		AutoRestore: o.cfg.AutoRestore,
	})
	pop()
	r.report.Results = append(r.report.Results, res)

	status := state.StatusCompleted
	extra.Version = res.To
	extra.Message = strings.Join(res.Warnings, "; ")
	if res.Outcome.Failed() {
		status = state.StatusFailed
		extra.Version = o.detect(r.persist, def)
		if res.Err != nil {
			extra.Message = res.Err.Error()
		}
	}
	if err := o.store.Update(r.persist, func(d *state.Document) error {
		d.SetComponent(def.Name, status, extra, o.now())
		return nil
	}); err != nil {
		return res, err
	}

	metrics.ObserveUpgrade(def.Name, string(res.Outcome), res.Duration)
	metrics.SetComponentStatus(def.Name, string(status))
	o.emit(r.persist, history.Event{
		Type:        history.EventComponent,
		SessionID:   r.id,
		Component:   def.Name,
		Status:      string(res.Outcome),
		FromVersion: res.From,
		ToVersion:   res.To,
		Message:     extra.Message,
	})
	r.log.Info("component finished", slog.String("component", def.Name),
		slog.String("outcome", string(res.Outcome)), slog.Duration("took", res.Duration))
	return res, nil
}

func (o *Orchestrator) finish(r *run, started time.Time, runErr error) (*Report, error) {
	status := state.SessionCompleted
	if runErr != nil || r.agg.Len() > 0 || r.report.Aborted {
		status = state.SessionFailed
	}
	r.report.Status = status
	ended := o.now()
	entry := history.Entry{
		ID:        r.id,
		Mode:      string(r.opts.Mode),
		Status:    string(status),
		StartedAt: started,
		EndedAt:   ended,
		Completed: r.report.Count(upgrade.OutcomeCompleted),
		Failed:    r.report.Failures(),
		Skipped:   r.report.Count(upgrade.OutcomeSkipped),
	}
	err := o.store.Update(r.persist, func(d *state.Document) error {
		d.Session.Status = status
		d.Session.EndedAt = &ended
		if status == state.SessionCompleted {
			d.Session.CurrentPhase = nil
		}
		o.store.AppendHistoryTo(r.persist, d, entry)
		return nil
	})
	if err != nil && runErr == nil {
		runErr = err
	}

	metrics.SetSessionLastRun(ended)
	o.emit(r.persist, history.Event{
		Type:      history.EventSession,
		SessionID: r.id,
		Status:    string(status),
		Entry:     &entry,
	})
	o.autoPrune(r)
	o.writeMetrics()

	r.log.Info("session finished", slog.String("status", string(status)),
		slog.Int("completed", entry.Completed), slog.Int("failed", entry.Failed), slog.Int("skipped", entry.Skipped))
	if runErr != nil {
		return r.report, runErr
	}
	return r.report, collapse(r.agg)
}

// autoPrune trims backups after a session, keeping every record the session
// created.
func (o *Orchestrator) autoPrune(r *run) {
	if o.cfg.KeepBackups <= 0 || o.backups == nil {
		return
	}
	var protect []string
	for _, res := range r.report.Results {
		if res.Backup != nil {
			protect = append(protect, res.Backup.Path)
		}
	}
	removed, err := o.backups.Prune(backup.PruneOptions{KeepLast: o.cfg.KeepBackups, Protect: protect})
	if err != nil {
		r.log.Warn("backup prune failed", slog.Any("error", err))
		return
	}
	if len(removed) > 0 {
		r.log.Info("pruned backups", slog.Int("removed", len(removed)))
	}
}

// collapse returns the single failure as is, keeping its code, or the
// aggregate when there are several.
func collapse(agg *errs.Aggregate) error {
	switch agg.Len() {
	case 0:
		return nil
	case 1:
		return agg.Errors()[0]
	default:
		return agg.Err()
	}
}

func names(defs []component.Definition) string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return strings.Join(out, ", ")
}

func targetOf(def component.Definition, targets map[string]string) string {
	if t, ok := targets[def.Name]; ok {
		return t
	}
	return def.TargetVersion
}

// beginSession marks d in progress at the first selected phase and resets
// every selected component to pending. A resumed session keeps its start
// time.
func beginSession(d *state.Document, id string, mode state.Mode, defs []component.Definition, at time.Time, resumed bool) {
	if !resumed || d.Session.StartedAt == nil {
		d.Session.StartedAt = &at
	}
	d.Session.ID = id
	d.Session.Mode = mode
	d.Session.Status = state.SessionInProgress
	d.Session.CurrentPhase = nil
	if groups := component.GroupByPhase(defs); len(groups) > 0 {
		first := int(groups[0][0].Phase)
		d.Session.CurrentPhase = &first
	}
	d.Session.EndedAt = nil
	for _, def := range defs {
		d.SetComponent(def.Name, state.StatusPending, state.Extra{Phase: int(def.Phase), Risk: string(def.Risk)}, at)
	}
}
