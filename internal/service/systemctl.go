package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// Systemctl drives the service manager through the systemctl binary.
type Systemctl struct {
	logger *slog.Logger
	// Bin is the systemctl executable; "systemctl" from PATH by default.
	Bin string
}

func NewSystemctl(logger *slog.Logger) *Systemctl {
	return &Systemctl{logger: logger, Bin: "systemctl"}
}

func (s *Systemctl) run(ctx context.Context, args ...string) (string, int, error) {
	// #nosec G204
	cmd := exec.CommandContext(ctx, s.Bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return text, exitErr.ExitCode(), err
	}
	return text, 0, err
}

func (s *Systemctl) action(ctx context.Context, op, name string) error {
	out, _, err := s.run(ctx, op, UnitName(name))
	if err != nil {
		if out != "" {
			return failf(op, name, "%v: %s", err, out)
		}
		return fail(err, op, name)
	}
	s.logger.Debug("systemctl", slog.String("op", op), slog.String("unit", UnitName(name)))
	return nil
}

func (s *Systemctl) Start(ctx context.Context, name string) error {
	return s.action(ctx, "start", name)
}

func (s *Systemctl) Stop(ctx context.Context, name string) error {
	return s.action(ctx, "stop", name)
}

func (s *Systemctl) Restart(ctx context.Context, name string) error {
	return s.action(ctx, "restart", name)
}

// IsActive maps a non-zero "is-active" exit to false.
func (s *Systemctl) IsActive(ctx context.Context, name string) (bool, error) {
	out, code, err := s.run(ctx, "is-active", UnitName(name))
	if err == nil {
		return true, nil
	}
	if code > 0 {
		s.logger.Debug("unit not active", slog.String("unit", UnitName(name)), slog.String("state", out))
		return false, nil
	}
	return false, fail(err, "query", name)
}

func (s *Systemctl) Reload(ctx context.Context) error {
	if out, _, err := s.run(ctx, "daemon-reload"); err != nil {
		return failf("reload", "daemon", "%v: %s", err, out)
	}
	return nil
}
