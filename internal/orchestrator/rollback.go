package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/metrics"
	"github.com/loykin/stackup/internal/state"
)

// RollbackOptions select what to roll back.
type RollbackOptions struct {
	// Component limits the rollback to one component.
	Component string
	// Force allows rolling back components that are not completed.
	Force       bool
	AutoConfirm bool
}

// RollbackResult reports one component's rollback.
type RollbackResult struct {
	Component string `json:"component"`
	Backup    string `json:"backup,omitempty"`
	Version   string `json:"version,omitempty"`
	Err       error  `json:"-"`
}

// Rollback restores the latest backup of each completed component. A
// component without a backup fails alone; the others still roll back.
func (o *Orchestrator) Rollback(ctx context.Context, opts RollbackOptions) ([]RollbackResult, error) {
	l, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.release(l)

	doc, err := o.readState(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := o.rollbackTargets(doc, opts)
	if err != nil {
		return nil, err
	}
	if !opts.AutoConfirm {
		if err := o.ask(ctx, fmt.Sprintf("Roll back %s to the latest backup?", names(defs))); err != nil {
			return nil, err
		}
	}

	ops := errs.OpsFrom(ctx)
	ctx = errs.WithOps(ctx, ops)
	persist := context.WithoutCancel(ctx)
	id := o.newSessionID()
	started := o.now()
	agg := errs.NewAggregate(errs.CodeRollbackFailed, "rollback")
	var results []RollbackResult
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			agg.Add(errs.Wrap(err, errs.CodeCanceled, "interrupted before rolling back %s", def.Name))
			break
		}
		res, err := o.rollbackOne(ctx, persist, ops, id, def, doc.ComponentStatus(def.Name))
		if err != nil {
			return results, err
		}
		results = append(results, res)
		agg.Add(res.Err)
	}

	status := state.SessionCompleted
	if agg.Len() > 0 {
		status = state.SessionFailed
	}
	entry := history.Entry{
		ID:        id,
		Mode:      "rollback",
		Status:    string(status),
		StartedAt: started,
		EndedAt:   o.now(),
		Completed: len(results) - agg.Len(),
		Failed:    agg.Len(),
	}
	if err := o.store.AppendHistory(persist, entry); err != nil {
		return results, err
	}
	o.writeMetrics()
	return results, agg.Err()
}

func (o *Orchestrator) rollbackTargets(doc *state.Document, opts RollbackOptions) ([]component.Definition, error) {
	if opts.Component != "" {
		def, ok := o.reg.Get(opts.Component)
		if !ok {
			return nil, errs.New(errs.CodeValidation, "unknown component %q", opts.Component)
		}
		if st := doc.ComponentStatus(def.Name); st != state.StatusCompleted && !opts.Force {
			return nil, errs.New(errs.CodeValidation, "%s is %s; only completed components can be rolled back", def.Name, st).
				WithHint("re-run with --force to roll it back anyway")
		}
		return []component.Definition{def}, nil
	}
	var defs []component.Definition
	for _, def := range o.reg.All() {
		if opts.Force || doc.ComponentStatus(def.Name) == state.StatusCompleted {
			defs = append(defs, def)
		}
	}
	if len(defs) == 0 {
		return nil, errs.New(errs.CodeValidation, "no completed components to roll back")
	}
	return defs, nil
}

// rollbackOne restores def. Component failures are returned in the result;
// the error is reserved for state-store failures.
func (o *Orchestrator) rollbackOne(ctx, persist context.Context, ops *errs.Context, id string, def component.Definition, prev state.Status) (RollbackResult, error) {
	res := RollbackResult{Component: def.Name}
	log := o.logger.With(slog.String("component", def.Name))
	pop := ops.Push("Rolling back " + def.Name)
	err := func() error {
		rec, err := o.backups.Latest(def.Name)
		if err != nil {
			return err
		}
		if rec == nil {
			return errs.New(errs.CodeRestoreFailed, "no backup record for %s", def.Name).
				WithHint("backups are taken before each upgrade of an installed component")
		}
		res.Backup = rec.ID
		return o.backups.Restore(ctx, rec, def)
	}()
	if err != nil {
		err = ops.Annotate(err)
	}
	pop()

	ev := history.Event{Type: history.EventRollback, SessionID: id, Component: def.Name}
	if err != nil {
		res.Err = err
		log.Error("rollback failed", slog.Any("error", err))
		metrics.IncRollback("failed")
		ev.Status = "failed"
		ev.Message = err.Error()
		o.emit(persist, ev)
		return res, o.store.Update(persist, func(d *state.Document) error {
			d.SetComponent(def.Name, prev, state.Extra{Message: "rollback failed: " + err.Error()}, o.now())
			return nil
		})
	}

	res.Version = o.detect(persist, def)
	log.Info("rolled back", slog.String("backup", res.Backup), slog.String("version", res.Version))
	metrics.IncRollback("success")
	metrics.SetComponentStatus(def.Name, string(state.StatusRolledBack))
	ev.Status = string(state.StatusRolledBack)
	ev.ToVersion = res.Version
	ev.Message = "restored backup " + res.Backup
	o.emit(persist, ev)
	return res, o.store.Update(persist, func(d *state.Document) error {
		d.SetComponent(def.Name, state.StatusRolledBack, state.Extra{
			Version: res.Version,
			Phase:   int(def.Phase),
			Risk:    string(def.Risk),
			Message: ev.Message,
		}, o.now())
		return nil
	})
}
