package orchestrator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/lock"
	"github.com/loykin/stackup/internal/state"
	"github.com/loykin/stackup/internal/version"
)

func TestPlanGroupsByPhase(t *testing.T) {
	f := newFixture(t, Config{},
		comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"},
		comp{"fresh", component.PhaseExporters, component.RiskLow, "", "0.3.0"},
		comp{"core_engine", component.PhaseCore, component.RiskHigh, "2.9.3", "3.0.0"},
		comp{"dash", component.PhaseAuxiliary, component.RiskMedium, "10.4.0", "10.4.0"},
		comp{"old", component.PhaseAuxiliary, component.RiskLow, "2.0.0", "1.9.0"},
	)
	f.host.latest["acme/core_engine"] = "3.1.0"

	plan, err := f.orch.Plan(context.Background(), PlanOptions{CheckLatest: true})
	require.NoError(t, err)
	require.Len(t, plan.Phases, 3)
	assert.Equal(t, "exporters", plan.Phases[0].Name)

	byName := map[string]PlanItem{}
	for _, ph := range plan.Phases {
		for _, it := range ph.Items {
			byName[it.Name] = it
		}
	}
	assert.Equal(t, ActionInstall, byName["fresh"].Action)
	assert.Equal(t, version.NotInstalled, byName["fresh"].Installed)
	assert.Equal(t, ActionUpgrade, byName["node_exporter"].Action)
	assert.Equal(t, version.ChangeMinor, byName["node_exporter"].Change)
	assert.Equal(t, version.ChangeMajor, byName["core_engine"].Change)
	assert.Equal(t, "3.1.0", byName["core_engine"].Latest)
	assert.Empty(t, byName["node_exporter"].Latest)
	assert.Equal(t, ActionSkip, byName["dash"].Action)
	assert.Equal(t, ActionDowngrade, byName["old"].Action)
	assert.Equal(t, state.StatusPending, byName["dash"].Status)
	assert.Equal(t, 4, plan.Actionable())

	_, err = os.Stat(f.store.Path())
	assert.ErrorIs(t, err, os.ErrNotExist, "plan never writes state")
}

func TestStatusMergesRegistryAndDocument(t *testing.T) {
	f := newFixture(t, Config{},
		comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"},
		comp{"core_engine", component.PhaseCore, component.RiskHigh, "2.9.3", "2.55.1"},
	)
	ctx := context.Background()
	_, err := f.orch.Upgrade(ctx, Selection{Component: "node_exporter"}, Options{})
	require.NoError(t, err)
	require.NoError(t, f.store.SetComponentStatus(ctx, "retired", state.StatusCompleted, state.Extra{Version: "0.1.0"}))

	rep, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Resumable)
	assert.Equal(t, state.SessionCompleted, rep.Session.Status)
	require.Len(t, rep.Components, 3)
	assert.Equal(t, "node_exporter", rep.Components[0].Name)
	assert.Equal(t, "1.7.0", rep.Components[0].Version)
	assert.Equal(t, state.StatusCompleted, rep.Components[0].Status)
	assert.Equal(t, "core_engine", rep.Components[1].Name)
	assert.Equal(t, state.StatusPending, rep.Components[1].Status)
	assert.Equal(t, version.NotInstalled, rep.Components[1].Version)
	assert.True(t, rep.Components[1].Configured)
	assert.Equal(t, "retired", rep.Components[2].Name)
	assert.False(t, rep.Components[2].Configured)
	assert.Len(t, rep.History, 1)
}

func TestReadOnlyPathsLeaveCorruptStateAlone(t *testing.T) {
	f := newFixture(t, Config{}, comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"})
	ctx := context.Background()
	require.NoError(t, f.store.SetComponentStatus(ctx, "node_exporter", state.StatusCompleted, state.Extra{Version: "1.6.1"}))
	require.NoError(t, f.store.SetComponentStatus(ctx, "node_exporter", state.StatusCompleted, state.Extra{Version: "1.7.0"}))
	require.NoError(t, os.WriteFile(f.store.Path(), []byte("{truncated"), 0o600))

	rec := errs.NewRecovery(quiet())
	rec.Register(errs.CodeStateCorrupt, func(context.Context, *errs.Error) error { return f.store.RestoreBackup() })
	f.orch.recovery = rec

	// Another invocation holds the lock.
	held, err := lock.Acquire(f.orch.cfg.LockPath)
	require.NoError(t, err)

	_, err = f.orch.Status(ctx)
	assert.Equal(t, errs.CodeStateCorrupt, errs.CodeOf(err))
	assert.NotEmpty(t, errs.Hint(err))
	_, err = f.orch.Plan(ctx, PlanOptions{})
	assert.Equal(t, errs.CodeStateCorrupt, errs.CodeOf(err))
	_, err = f.orch.Resume(ctx, Options{DryRun: true})
	assert.Equal(t, errs.CodeStateCorrupt, errs.CodeOf(err))

	raw, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	assert.Equal(t, "{truncated", string(raw))
	require.NoError(t, held.Release())

	// Under the lock the recovery restores the backup.
	_, err = f.orch.Resume(ctx, Options{})
	assert.Equal(t, errs.CodeNotResumable, errs.CodeOf(err))
	rep, err := f.orch.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.6.1", rep.Components[0].Version)
}

func TestVerifyState(t *testing.T) {
	f := newFixture(t, Config{}, comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"})
	ctx := context.Background()

	v, err := f.orch.VerifyState(ctx)
	require.NoError(t, err)
	assert.True(t, v.OK)

	raw := `{"session":{"status":"in_progress","current_phase":7},
"components":{"node_exporter":{"status":"exploded","phase":1,"risk":"low"},"ghost":{"status":"completed"}}}`
	require.NoError(t, os.WriteFile(f.store.Path(), []byte(raw), 0o600))
	v, err = f.orch.VerifyState(ctx)
	require.Error(t, err)
	assert.Equal(t, errs.CodeStateCorrupt, errs.CodeOf(err))
	assert.False(t, v.OK)
	assert.Len(t, v.Problems, 2)
	assert.Equal(t, []string{"ghost"}, v.Unknown)
}

func TestPruneBackups(t *testing.T) {
	f := newFixture(t, Config{}, comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"})
	ctx := context.Background()
	sel := Selection{Component: "node_exporter"}
	_, err := f.orch.Upgrade(ctx, sel, Options{})
	require.NoError(t, err)
	_, err = f.orch.Upgrade(ctx, sel, Options{Force: true})
	require.NoError(t, err)

	list, err := f.orch.ListBackups("node_exporter")
	require.NoError(t, err)
	require.Len(t, list, 2)

	removed, err := f.orch.PruneBackups(ctx, PruneOptions{KeepLast: 1})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, list[1].ID, removed[0].ID)

	_, err = f.orch.ListBackups("nope")
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
	_, err = f.orch.PruneBackups(ctx, PruneOptions{KeepLast: -1})
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestAutoPruneKeepsSessionBackups(t *testing.T) {
	f := newFixture(t, Config{KeepBackups: 1}, comp{"node_exporter", component.PhaseExporters, component.RiskLow, "1.6.1", "1.7.0"})
	ctx := context.Background()
	sel := Selection{Component: "node_exporter"}
	for range 3 {
		_, err := f.orch.Upgrade(ctx, sel, Options{Force: true})
		require.NoError(t, err)
	}
	list, err := f.orch.ListBackups("")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
