// Package installer runs the external per-component install routine.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
)

// Installer places the binary, config and unit of a component at a version.
// It must fail without partially applying changes it cannot complete.
type Installer interface {
	Install(ctx context.Context, def component.Definition, version string) error
}

// WriterFactory returns the stdout and stderr destinations for a component's
// installer run. Either may be nil.
type WriterFactory func(name string) (io.WriteCloser, io.WriteCloser, error)

// Script executes Definition.Installer with the target version as its only
// argument.
type Script struct {
	Writers WriterFactory
	Logger  *slog.Logger
	// Timeout bounds one installer run; zero means no limit.
	Timeout time.Duration
	// Env is the complete environment of the installer. The process
	// environment is not inherited; callers that want it merge it in.
	Env []string
}

func NewScript(writers WriterFactory, logger *slog.Logger) *Script {
	if logger == nil {
		logger = slog.Default()
	}
	return &Script{Writers: writers, Logger: logger}
}

func (s *Script) Install(ctx context.Context, def component.Definition, version string) error {
	if err := CheckExecutable(def.Installer); err != nil {
		return err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	// #nosec G204
	cmd := exec.CommandContext(ctx, def.Installer, version)
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(slices.Clone(s.Env),
		"STACKUP_COMPONENT="+def.Name,
		"STACKUP_VERSION="+version,
		"STACKUP_SERVICE="+def.ServiceName(),
	)

	tail := &tailBuffer{max: 4096}
	outW, errW := io.Writer(io.Discard), io.Writer(tail)
	if s.Writers != nil {
		o, e, err := s.Writers(def.Name)
		if err != nil {
			return errs.Wrap(err, errs.CodeInstallFailed, "open installer logs")
		}
		if o != nil {
			defer func() { _ = o.Close() }()
			outW = o
		}
		if e != nil {
			defer func() { _ = e.Close() }()
			errW = io.MultiWriter(e, tail)
		}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	start := time.Now()
	s.Logger.Info("running installer",
		slog.String("component", def.Name),
		slog.String("installer", def.Installer),
		slog.String("version", version))
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return errs.Wrap(ctx.Err(), errs.CodeTimeout, "installer for %s", def.Name)
		}
		msg := strings.TrimSpace(tail.String())
		if msg != "" {
			return errs.Wrap(fmt.Errorf("%w: %s", err, msg), errs.CodeInstallFailed, "installer for %s", def.Name)
		}
		return errs.Wrap(err, errs.CodeInstallFailed, "installer for %s", def.Name)
	}
	s.Logger.Debug("installer finished", slog.String("component", def.Name), slog.Duration("took", time.Since(start)))
	return nil
}

// CheckExecutable verifies that path exists, is a regular file and (outside
// Windows) has an execute bit.
func CheckExecutable(path string) error {
	if path == "" {
		return errs.New(errs.CodeDependencyMissing, "no installer configured")
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return errs.New(errs.CodeDependencyMissing, "installer %s does not exist", path)
	}
	if err != nil {
		return errs.Wrap(err, errs.CodeDependencyMissing, "stat installer %s", path)
	}
	if !info.Mode().IsRegular() {
		return errs.New(errs.CodeDependencyMissing, "installer %s is not a regular file", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return errs.New(errs.CodeDependencyMissing, "installer %s is not executable", path)
	}
	return nil
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
