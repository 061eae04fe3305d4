package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/version"
)

// ComponentStatus is one component line of a status report.
type ComponentStatus struct {
	Name      string          `json:"name"`
	Phase     component.Phase `json:"phase"`
	Risk      component.Risk  `json:"risk"`
	Target    string          `json:"target,omitempty"`
	Version   string          `json:"current_version"`
	Status    state.Status    `json:"status"`
	Message   string          `json:"message,omitempty"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
	// Configured is false for components present only in the state document.
	Configured bool `json:"configured"`
}

// StatusReport is the persisted state merged with the registry.
type StatusReport struct {
	LastUpdated time.Time         `json:"last_updated"`
	Session     state.Session     `json:"session"`
	Resumable   bool              `json:"resumable"`
	Components  []ComponentStatus `json:"components"`
	History     []history.Entry   `json:"history"`
}

// Status reports the session, every component and the recent history.
// It takes no lock.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	doc, err := o.peekState()
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{
		LastUpdated: doc.LastUpdated,
		Session:     doc.Session,
		Resumable:   doc.Resumable(),
		History:     doc.History,
	}
	seen := map[string]bool{}
	for _, def := range o.reg.All() {
		seen[def.Name] = true
		cs := ComponentStatus{
			Name:       def.Name,
			Phase:      def.Phase,
			Risk:       def.Risk,
			Target:     def.TargetVersion,
			Version:    version.NotInstalled,
			Status:     doc.ComponentStatus(def.Name),
			Configured: true,
		}
		if c, ok := doc.Components[def.Name]; ok {
			if c.CurrentVersion != "" {
				cs.Version = c.CurrentVersion
			}
			cs.Message = c.Message
			cs.UpdatedAt = c.UpdatedAt
		}
		rep.Components = append(rep.Components, cs)
	}
	for _, name := range doc.Names() {
		if seen[name] {
			continue
		}
		c := doc.Components[name]
		rep.Components = append(rep.Components, ComponentStatus{
			Name:      name,
			Phase:     component.Phase(c.Phase),
			Risk:      component.Risk(c.Risk),
			Version:   c.CurrentVersion,
			Status:    c.Status,
			Message:   c.Message,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return rep, nil
}

// Verification is the outcome of a state consistency check.
type Verification struct {
	Path     string   `json:"path"`
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
	// Unknown lists components in the document that are not configured.
	Unknown []string `json:"unknown,omitempty"`
}

// VerifyState checks every recorded status and the current phase of an
// in-progress session. A corrupt document is reported, never repaired.
func (o *Orchestrator) VerifyState(ctx context.Context) (*Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := &Verification{Path: o.store.Path()}
	doc, err := o.store.Read()
	if err != nil {
		v.Problems = []string{err.Error()}
		return v, err
	}
	for _, name := range doc.Names() {
		if _, ok := o.reg.Get(name); !ok {
			v.Unknown = append(v.Unknown, name)
		}
	}
	if err := doc.Validate(); err != nil {
		var list errs.AggregateError
		if errors.As(err, &list) {
			for _, e := range list {
				v.Problems = append(v.Problems, e.Error())
			}
		} else {
			v.Problems = []string{err.Error()}
		}
		return v, err
	}
	v.OK = true
	return v, nil
}

// ListBackups returns the backup records of name, or of every component
// when name is empty.
func (o *Orchestrator) ListBackups(name string) ([]backup.Record, error) {
	if name != "" {
		if _, ok := o.reg.Get(name); !ok {
			return nil, errs.New(errs.CodeValidation, "unknown component %q", name)
		}
	}
	return o.backups.List(name)
}

// PruneOptions select the backup records to remove.
type PruneOptions struct {
	KeepLast  int
	OlderThan time.Duration
}

// PruneBackups removes records outside retention under the state lock. The
// newest record of each component always survives.
func (o *Orchestrator) PruneBackups(ctx context.Context, opts PruneOptions) ([]backup.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.KeepLast < 0 || opts.OlderThan < 0 {
		return nil, errs.New(errs.CodeValidation, "retention values must not be negative")
	}
	l, err := o.acquire()
	if err != nil {
		return nil, err
	}
	defer o.release(l)
	removed, err := o.backups.Prune(backup.PruneOptions{KeepLast: opts.KeepLast, OlderThan: opts.OlderThan})
	o.writeMetrics()
	return removed, err
}
