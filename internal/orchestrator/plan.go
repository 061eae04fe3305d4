package orchestrator

import (
	"context"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/version"
)

// Action is what an upgrade would do to a component.
type Action string

const (
	ActionInstall   Action = "install"
	ActionUpgrade   Action = "upgrade"
	ActionDowngrade Action = "downgrade"
	ActionSkip      Action = "skip"
)

// PlanItem is one component line of a plan.
type PlanItem struct {
	Name      string          `json:"name"`
	Phase     component.Phase `json:"phase"`
	Risk      component.Risk  `json:"risk"`
	Installed string          `json:"installed"`
	Target    string          `json:"target"`
	Latest    string          `json:"latest,omitempty"`
	Change    version.Change  `json:"change,omitempty"`
	Action    Action          `json:"action"`
	Status    state.Status    `json:"status"`
}

// PlanPhase groups the items of one phase.
type PlanPhase struct {
	Phase component.Phase `json:"phase"`
	Name  string          `json:"name"`
	Items []PlanItem      `json:"items"`
}

// Plan is the informational view of what an upgrade would do.
type Plan struct {
	Phases []PlanPhase `json:"phases"`
}

// Actionable counts the items that are not skipped.
func (p *Plan) Actionable() int {
	n := 0
	for _, ph := range p.Phases {
		for _, it := range ph.Items {
			if it.Action != ActionSkip {
				n++
			}
		}
	}
	return n
}

// PlanOptions control plan output.
type PlanOptions struct {
	// CheckLatest queries the upstream source for each component with a
	// repository.
	CheckLatest bool
}

// Plan lists every component by phase with installed and target versions.
// It never mutates state.
func (o *Orchestrator) Plan(ctx context.Context, opts PlanOptions) (*Plan, error) {
	doc, err := o.peekState()
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	for _, group := range component.GroupByPhase(o.reg.All()) {
		ph := PlanPhase{Phase: group[0].Phase, Name: group[0].Phase.String()}
		for _, def := range group {
			ph.Items = append(ph.Items, o.planItem(ctx, def, doc, opts))
		}
		plan.Phases = append(plan.Phases, ph)
	}
	return plan, nil
}

func (o *Orchestrator) planItem(ctx context.Context, def component.Definition, doc *state.Document, opts PlanOptions) PlanItem {
	it := PlanItem{
		Name:      def.Name,
		Phase:     def.Phase,
		Risk:      def.Risk,
		Target:    def.TargetVersion,
		Installed: version.NotInstalled,
		Status:    doc.ComponentStatus(def.Name),
	}
	if opts.CheckLatest && def.Repository != "" {
		if v, ok := o.versions.FetchLatest(ctx, def.Repository); ok {
			it.Latest = v.String()
		}
	}
	target, err := def.Target()
	if err != nil {
		it.Action = ActionSkip
		return it
	}
	installed, ok := o.versions.DetectInstalled(ctx, def.Binary, def.VersionCommand)
	if !ok {
		it.Action = ActionInstall
		return it
	}
	it.Installed = installed.String()
	switch version.Compare(installed, target) {
	case version.Equal:
		it.Action = ActionSkip
	case version.Less:
		it.Action = ActionUpgrade
		it.Change = version.Classify(installed, target)
	default:
		it.Action = ActionDowngrade
	}
	return it
}
