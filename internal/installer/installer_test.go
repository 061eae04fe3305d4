package installer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/logger"
)

func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script installers require a POSIX shell")
	}
	p := filepath.Join(t.TempDir(), "install.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScriptInstallPassesVersionAndEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.txt")
	inst := script(t, `echo "$1 $STACKUP_COMPONENT $STACKUP_SERVICE" > `+out+"\necho progress\n")
	logDir := t.TempDir()
	cfg := logger.Config{File: logger.FileConfig{Dir: logDir}}

	s := NewScript(cfg.InstallerWriters, quiet())
	def := component.Definition{Name: "loki", Service: "loki-svc", Installer: inst}
	require.NoError(t, s.Install(context.Background(), def, "2.9.3"))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "2.9.3 loki loki-svc\n", string(b))

	logged, err := os.ReadFile(filepath.Join(logDir, "loki.install.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "progress\n", string(logged))
}

func TestScriptInstallDoesNotInheritProcessEnv(t *testing.T) {
	t.Setenv("STACKUP_TEST_SECRET", "leaked")
	out := filepath.Join(t.TempDir(), "out.txt")
	inst := script(t, `echo "secret=$STACKUP_TEST_SECRET only=$ONLY" > `+out+"\n")

	s := NewScript(nil, quiet())
	s.Env = []string{"ONLY=me"}
	require.NoError(t, s.Install(context.Background(), component.Definition{Name: "x", Installer: inst}, "1.0.0"))

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "secret= only=me\n", string(b))
}

func TestScriptInstallFailureCarriesStderr(t *testing.T) {
	inst := script(t, "echo 'download failed' >&2\nexit 4\n")
	s := NewScript(nil, quiet())
	err := s.Install(context.Background(), component.Definition{Name: "x", Installer: inst}, "1.0.0")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeInstallFailed))
	assert.Contains(t, err.Error(), "download failed")
}

func TestScriptInstallTimeout(t *testing.T) {
	inst := script(t, "exec sleep 5\n")
	s := NewScript(nil, quiet())
	s.Timeout = 100 * time.Millisecond
	err := s.Install(context.Background(), component.Definition{Name: "x", Installer: inst}, "1.0.0")
	assert.True(t, errs.Is(err, errs.CodeTimeout))
}

func TestCheckExecutable(t *testing.T) {
	assert.True(t, errs.Is(CheckExecutable(""), errs.CodeDependencyMissing))
	assert.True(t, errs.Is(CheckExecutable(filepath.Join(t.TempDir(), "nope")), errs.CodeDependencyMissing))
	assert.True(t, errs.Is(CheckExecutable(t.TempDir()), errs.CodeDependencyMissing))

	if runtime.GOOS != "windows" {
		p := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		err := CheckExecutable(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not executable")
	}
	assert.NoError(t, CheckExecutable(script(t, "exit 0\n")))
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{max: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	assert.Equal(t, "world", tb.String())
	assert.False(t, strings.Contains(tb.String(), "hello"))
}
