// Package component holds the static registry of upgradeable components:
// per component its phase, risk, target version, files, installer and
// health endpoint, looked up once by name.
package component

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/loykin/stackup/internal/version"
)

// Phase is a fixed ordering bucket.
type Phase int

const (
	// PhaseExporters holds low-risk, independent metric exporters.
	PhaseExporters Phase = 1
	// PhaseCore holds the time-series, log and alerting engines.
	PhaseCore Phase = 2
	// PhaseAuxiliary holds cosmetic and auxiliary components.
	PhaseAuxiliary Phase = 3
)

// Phases lists every defined phase in execution order.
var Phases = []Phase{PhaseExporters, PhaseCore, PhaseAuxiliary}

// Valid reports whether p is a defined phase.
func (p Phase) Valid() bool { return p >= PhaseExporters && p <= PhaseAuxiliary }

func (p Phase) String() string {
	switch p {
	case PhaseExporters:
		return "exporters"
	case PhaseCore:
		return "core"
	case PhaseAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("phase-%d", int(p))
	}
}

// AbortOnFailure reports whether one failure stops the rest of the phase.
func (p Phase) AbortOnFailure() bool { return p == PhaseCore }

// Risk drives whether interactive confirmation is required.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Valid reports whether r is a defined risk level.
func (r Risk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Definition is the static per-component configuration record.
type Definition struct {
	Name          string
	Phase         Phase
	Risk          Risk
	TargetVersion string
	// Service is the service-manager unit name; defaults to Name.
	Service string
	// Binary is the installed executable, snapshotted before upgrade.
	Binary string
	// ConfigDir is the configuration tree, snapshotted before upgrade.
	ConfigDir string
	// Unit is the service-manager unit definition file.
	Unit string
	// Installer is the external install routine; it is invoked with the
	// target version.
	Installer string
	// VersionCommand reports the installed version; defaults to "<Binary> --version".
	VersionCommand string
	// HealthURL is polled after restart when set.
	HealthURL string
	// HealthAuthority marks the component that is itself the monitoring
	// engine; for it a failed health probe is a hard failure.
	HealthAuthority bool
	// Repository is the upstream "owner/name" used to look up the latest release.
	Repository string
	// MinFreeMB overrides the global preflight free-space requirement.
	MinFreeMB uint64
}

// ServiceName returns the unit name used with the service manager.
func (d Definition) ServiceName() string {
	if d.Service != "" {
		return d.Service
	}
	return d.Name
}

// Target parses TargetVersion.
func (d Definition) Target() (version.Version, error) {
	return version.Parse(d.TargetVersion)
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the definition for values the orchestrator relies on.
func (d Definition) Validate() error {
	if !nameRe.MatchString(d.Name) || strings.Contains(d.Name, "..") {
		return fmt.Errorf("invalid component name %q: allowed [A-Za-z0-9._-]", d.Name)
	}
	if !d.Phase.Valid() {
		return fmt.Errorf("component %s: phase must be 1, 2 or 3 (got %d)", d.Name, d.Phase)
	}
	if !d.Risk.Valid() {
		return fmt.Errorf("component %s: risk must be low, medium or high (got %q)", d.Name, d.Risk)
	}
	if _, err := d.Target(); err != nil {
		return fmt.Errorf("component %s: target_version: %w", d.Name, err)
	}
	if d.Installer == "" {
		return fmt.Errorf("component %s: installer is required", d.Name)
	}
	for field, p := range map[string]string{"binary": d.Binary, "config_dir": d.ConfigDir, "unit": d.Unit, "installer": d.Installer} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("component %s: %s must be an absolute path (got %q)", d.Name, field, p)
		}
	}
	if d.Binary == "" && d.VersionCommand == "" {
		return fmt.Errorf("component %s: binary or version_command is required", d.Name)
	}
	return nil
}

// Registry maps component name to its definition.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry validates defs and builds a registry.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("duplicate component %q", d.Name)
		}
		r.defs[d.Name] = d
	}
	return r, nil
}

// Get looks up a component by name.
func (r *Registry) Get(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Len returns the number of registered components.
func (r *Registry) Len() int { return len(r.defs) }

// All returns every definition ordered by phase, then name.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	Sort(out)
	return out
}

// ByPhase returns the definitions of phase p ordered by name.
func (r *Registry) ByPhase(p Phase) []Definition {
	var out []Definition
	for _, d := range r.defs {
		if d.Phase == p {
			out = append(out, d)
		}
	}
	Sort(out)
	return out
}

// Names returns the registered names in phase order.
func (r *Registry) Names() []string {
	all := r.All()
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name
	}
	return names
}

// Sort orders defs by phase, then name.
func Sort(defs []Definition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Phase != defs[j].Phase {
			return defs[i].Phase < defs[j].Phase
		}
		return defs[i].Name < defs[j].Name
	})
}

// GroupByPhase splits defs into phase buckets in execution order, skipping
// empty phases.
func GroupByPhase(defs []Definition) [][]Definition {
	var groups [][]Definition
	for _, p := range Phases {
		var g []Definition
		for _, d := range defs {
			if d.Phase == p {
				g = append(g, d)
			}
		}
		if len(g) > 0 {
			Sort(g)
			groups = append(groups, g)
		}
	}
	return groups
}
