// Package state persists the upgrade state document: per-component status,
// the active session and a bounded session history.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
)

// Status is a component's upgrade status.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRolledBack   Status = "rolled_back"
)

// Valid reports whether s is a known component status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotInstalled, StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	}
	return false
}

// SessionStatus is the status of an upgrade session.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionIdle, SessionInProgress, SessionCompleted, SessionFailed:
		return true
	}
	return false
}

// Mode controls confirmation defaults and pacing. It never affects correctness.
type Mode string

const (
	ModeSafe     Mode = "safe"
	ModeStandard Mode = "standard"
	ModeFast     Mode = "fast"
	ModeDryRun   Mode = "dry_run"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeSafe, ModeStandard, ModeFast, ModeDryRun:
		return true
	}
	return false
}

// ParseMode accepts the CLI spelling of a mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if s == "dry-run" {
		m = ModeDryRun
	}
	if !m.Valid() {
		return "", errs.New(errs.CodeValidation, "unknown mode %q (want safe, standard or fast)", s)
	}
	return m, nil
}

// Session is the most recent upgrade session.
type Session struct {
	ID           string        `json:"id,omitempty"`
	Mode         Mode          `json:"mode,omitempty"`
	Status       SessionStatus `json:"status"`
	CurrentPhase *int          `json:"current_phase"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// ComponentState is the persisted record of one component.
type ComponentState struct {
	CurrentVersion string    `json:"current_version"`
	Status         Status    `json:"status"`
	Phase          int       `json:"phase"`
	Risk           string    `json:"risk"`
	Message        string    `json:"message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Document is the whole persisted state.
type Document struct {
	LastUpdated time.Time                 `json:"last_updated"`
	Session     Session                   `json:"session"`
	Components  map[string]ComponentState `json:"components"`
	History     []history.Entry           `json:"history"`
}

// Empty returns the document used when no state file exists yet.
func Empty() *Document {
	return &Document{
		Session:    Session{Status: SessionIdle},
		Components: map[string]ComponentState{},
		History:    []history.Entry{},
	}
}

func (d *Document) normalize() {
	if d.Components == nil {
		d.Components = map[string]ComponentState{}
	}
	if d.History == nil {
		d.History = []history.Entry{}
	}
	if d.Session.Status == "" {
		d.Session.Status = SessionIdle
	}
}

// ComponentStatus returns the recorded status, or pending for a component
// the document has never seen.
func (d *Document) ComponentStatus(name string) Status {
	if c, ok := d.Components[name]; ok && c.Status != "" {
		return c.Status
	}
	return StatusPending
}

// Resumable is true when the last session failed or ended abnormally.
func (d *Document) Resumable() bool {
	return d.Session.Status == SessionFailed || d.Session.Status == SessionInProgress
}

// AppendHistory appends e and drops the oldest entries beyond limit.
// The dropped entries are returned so the caller can persist them elsewhere.
// A limit <= 0 keeps everything.
func (d *Document) AppendHistory(e history.Entry, limit int) []history.Entry {
	d.History = append(d.History, e)
	if limit <= 0 || len(d.History) <= limit {
		return nil
	}
	n := len(d.History) - limit
	trimmed := make([]history.Entry, n)
	copy(trimmed, d.History[:n])
	d.History = append([]history.Entry(nil), d.History[n:]...)
	return trimmed
}

// Names returns the component names in the document, sorted.
func (d *Document) Names() []string {
	names := make([]string, 0, len(d.Components))
	for n := range d.Components {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every component has a valid status and phase and
// that an in-progress session points at a defined phase.
func (d *Document) Validate() error {
	agg := errs.NewAggregate(errs.CodeStateCorrupt, "verify state")
	for _, name := range d.Names() {
		c := d.Components[name]
		if !c.Status.Valid() {
			agg.Add(fmt.Errorf("component %s: invalid status %q", name, c.Status))
		}
		if c.Phase != 0 && !component.Phase(c.Phase).Valid() {
			agg.Add(fmt.Errorf("component %s: invalid phase %d", name, c.Phase))
		}
		if c.Risk != "" && !component.Risk(c.Risk).Valid() {
			agg.Add(fmt.Errorf("component %s: invalid risk %q", name, c.Risk))
		}
	}
	if !d.Session.Status.Valid() {
		agg.Add(fmt.Errorf("session: invalid status %q", d.Session.Status))
	}
	if d.Session.Mode != "" && !d.Session.Mode.Valid() {
		agg.Add(fmt.Errorf("session: invalid mode %q", d.Session.Mode))
	}
	if d.Session.Status == SessionInProgress {
		switch {
		case d.Session.CurrentPhase == nil:
			agg.Add(fmt.Errorf("session: in progress without current_phase"))
		case !component.Phase(*d.Session.CurrentPhase).Valid():
			agg.Add(fmt.Errorf("session: invalid current_phase %d", *d.Session.CurrentPhase))
		}
	}
	return agg.Err()
}
