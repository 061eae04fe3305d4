package upgrade

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/health"
	"github.com/loykin/stackup/internal/service/servicetest"
	"github.com/loykin/stackup/internal/version"
)

// fakeHost models installed versions keyed by binary path.
type fakeHost struct {
	mu        sync.Mutex
	installed map[string]string
	installs  int
	// result overrides the version an install produces.
	result  string
	failErr error
}

func (h *fakeHost) DetectInstalled(_ context.Context, binary, _ string) (version.Version, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := version.Parse(h.installed[binary])
	return v, err == nil
}

func (h *fakeHost) Install(_ context.Context, def component.Definition, v string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installs++
	if h.failErr != nil {
		return h.failErr
	}
	if h.result != "" {
		v = h.result
	}
	h.installed[def.Binary] = v
	return os.WriteFile(def.Binary, []byte("binary "+v), 0o755)
}

type env struct {
	def  component.Definition
	host *fakeHost
	svc  *servicetest.Fake
	bk   *backup.Manager
	mgr  *Manager
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEnv(t *testing.T, installed string) *env {
	t.Helper()
	dir := t.TempDir()
	inst := filepath.Join(dir, "install.sh")
	require.NoError(t, os.WriteFile(inst, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	bin := filepath.Join(dir, "bin", "node_exporter")
	require.NoError(t, os.MkdirAll(filepath.Dir(bin), 0o755))
	require.NoError(t, os.WriteFile(bin, []byte("binary "+installed), 0o755))

	def := component.Definition{
		Name:          "node_exporter",
		Phase:         component.PhaseExporters,
		Risk:          component.RiskLow,
		TargetVersion: "1.7.0",
		Binary:        bin,
		Installer:     inst,
	}
	host := &fakeHost{installed: map[string]string{bin: installed}}
	svc := servicetest.New("node_exporter")
	bk := backup.New(filepath.Join(dir, "backups"), svc, backup.WithLogger(quiet()))
	return &env{
		def:  def,
		host: host,
		svc:  svc,
		bk:   bk,
		mgr: &Manager{
			Versions:  host,
			Backups:   bk,
			Services:  svc,
			Installer: host,
			Health:    health.NewProber(2, time.Millisecond, time.Second, quiet()),
			Recovery:  errs.NewRecovery(quiet()),
			Logger:    quiet(),
			FreeBytes: func(string) (uint64, error) { return 10 << 30, nil },
			MinFreeMB: 100,
		},
	}
}

func TestUpgradeCompleted(t *testing.T) {
	e := newEnv(t, "1.6.1")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "1.6.1", res.From)
	assert.Equal(t, "1.7.0", res.To)
	assert.True(t, res.Restarted)
	require.NotNil(t, res.Backup)
	assert.Equal(t, "1.6.1", res.Backup.Manifest.Version)
	assert.Equal(t, []string{"is-active node_exporter", "stop node_exporter", "reload", "restart node_exporter"}, e.svc.Calls())
	assert.Equal(t, 1, e.host.installs)
}

func TestUpgradeIdempotentSkip(t *testing.T) {
	e := newEnv(t, "1.7.0")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Zero(t, e.host.installs)
	assert.Empty(t, e.svc.Calls())
	assert.False(t, res.Restarted)
}

func TestUpgradeForceReinstalls(t *testing.T) {
	e := newEnv(t, "1.7.0")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{Force: true})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 1, e.host.installs)
}

func TestUpgradeTargetOverride(t *testing.T) {
	e := newEnv(t, "1.6.1")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{Target: "v1.8.0"})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, "1.8.0", res.To)
}

func TestUpgradeNotInstalledHasNoBackup(t *testing.T) {
	e := newEnv(t, "garbage")
	e.svc = servicetest.New()
	e.mgr.Services = e.svc
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	require.NoError(t, res.Err)
	assert.Equal(t, version.NotInstalled, res.From)
	assert.Nil(t, res.Backup)
	assert.Equal(t, 0, e.svc.Count("stop", "node_exporter"))
}

func TestUpgradeDryRunTouchesNothing(t *testing.T) {
	e := newEnv(t, "1.6.1")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{DryRun: true})
	assert.Equal(t, OutcomeDryRun, res.Outcome)
	assert.Zero(t, e.host.installs)
	assert.Empty(t, e.svc.Calls())
	recs, err := e.bk.List("node_exporter")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestPreflightDiskSpace(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.mgr.FreeBytes = func(string) (uint64, error) { return 10 << 20, nil }
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomePreflightFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodePreflightFailed))
	assert.Contains(t, res.Err.Error(), "free")
	assert.Empty(t, e.svc.Calls(), "nothing may be stopped when preflight fails")
}

func TestPreflightPerComponentOverride(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.mgr.FreeBytes = func(string) (uint64, error) { return 200 << 20, nil }
	e.def.MinFreeMB = 500
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomePreflightFailed, res.Outcome)
}

func TestPreflightMissingInstaller(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.def.Installer = filepath.Join(t.TempDir(), "missing.sh")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomePreflightFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeDependencyMissing))
}

func TestInstallFailureRestartsService(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.host.failErr = errs.New(errs.CodeInstallFailed, "exit 1")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeInstallFailed))
	assert.True(t, e.svc.Active("node_exporter"), "service must be running again")
	assert.Equal(t, 1, e.svc.Count("start", "node_exporter"))
	assert.Contains(t, errs.Chain(res.Err), "Installing 1.7.0")
}

func TestVersionMismatchAfterInstall(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.host.result = "1.6.2"
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeVersionMismatch))
	assert.True(t, e.svc.Active("node_exporter"))
}

func TestAutoRestoreOnFailure(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.host.result = "1.6.2"
	res := e.mgr.Upgrade(context.Background(), e.def, Options{AutoRestore: true})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	b, err := os.ReadFile(e.def.Binary)
	require.NoError(t, err)
	assert.Equal(t, "binary 1.6.1", string(b))
	assert.True(t, e.svc.Active("node_exporter"))
}

func TestStopFailureIsOnlyAWarning(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.svc.Fail["stop node_exporter"] = errors.New("timeout")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "stop failed")
}

func TestInactiveServiceStaysDownAfterFailure(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.svc = servicetest.New()
	e.mgr.Services = e.svc
	e.host.failErr = errors.New("boom")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 0, e.svc.Count("start", "node_exporter"))
}

func healthServer(t *testing.T, healthy *atomic.Bool) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHealthFailureWarnsForOrdinaryComponent(t *testing.T) {
	e := newEnv(t, "1.6.1")
	var healthy atomic.Bool
	e.def.HealthURL = healthServer(t, &healthy)
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "health check failed")
}

func TestHealthFailureIsHardForAuthority(t *testing.T) {
	e := newEnv(t, "1.6.1")
	var healthy atomic.Bool
	e.def.HealthURL = healthServer(t, &healthy)
	e.def.HealthAuthority = true
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeHealthCheckFailed))
}

func TestHealthRecoveryRestartsAndReprobes(t *testing.T) {
	e := newEnv(t, "1.6.1")
	var healthy atomic.Bool
	e.def.HealthURL = healthServer(t, &healthy)
	e.def.HealthAuthority = true
	e.mgr.Recovery.Register(errs.CodeHealthCheckFailed, RestartRecovery(e.svc))
	restarts := 0
	e.svc.OnStart = func(string) {
		restarts++
		if restarts >= 2 {
			healthy.Store(true)
		}
	}
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 2, e.svc.Count("restart", "node_exporter"))
}

func TestSkipStillChecksHealthAuthority(t *testing.T) {
	e := newEnv(t, "1.7.0")
	var healthy atomic.Bool
	e.def.HealthURL = healthServer(t, &healthy)
	e.def.HealthAuthority = true
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeFailed, res.Outcome)

	healthy.Store(true)
	res = e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestInvalidTarget(t *testing.T) {
	e := newEnv(t, "1.6.1")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{Target: "latest"})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeValidation))
}

func TestBackupFailureAbortsBeforeStop(t *testing.T) {
	e := newEnv(t, "1.6.1")
	e.def.Unit = filepath.Join(t.TempDir(), "missing.service")
	res := e.mgr.Upgrade(context.Background(), e.def, Options{})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, errs.Is(res.Err, errs.CodeBackupFailed))
	assert.Empty(t, e.svc.Calls())
	assert.Zero(t, e.host.installs)
}

func TestExistingDir(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, dir, existingDir(filepath.Join(dir, "a", "b", "c")))
}

func TestComponentContext(t *testing.T) {
	_, ok := ComponentFrom(context.Background())
	assert.False(t, ok)
	ctx := WithComponent(context.Background(), component.Definition{Name: "x"})
	d, ok := ComponentFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "x", d.Name)

	err := RestartRecovery(servicetest.New())(context.Background(), errs.New(errs.CodeHealthCheckFailed, "x"))
	assert.Error(t, err)
}
