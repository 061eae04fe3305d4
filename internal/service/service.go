// Package service drives the host service manager: start, stop, restart,
// is-active and reload-definitions by component service name.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/util"

	"github.com/loykin/stackup/internal/errs"
)

// Manager is the service-manager collaborator. IsActive returning false is
// not an error.
type Manager interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	IsActive(ctx context.Context, name string) (bool, error)
	Reload(ctx context.Context) error
}

// Backend names a Manager implementation.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendSystemd   Backend = "systemd"
	BackendSystemctl Backend = "systemctl"
)

// New returns the Manager for backend. "auto" picks the D-Bus backend when
// systemd is the running init system and falls back to systemctl.
func New(backend Backend, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch backend {
	case "", BackendAuto:
		if util.IsRunningSystemd() {
			return NewSystemd(logger), nil
		}
		return NewSystemctl(logger), nil
	case BackendSystemd:
		return NewSystemd(logger), nil
	case BackendSystemctl:
		return NewSystemctl(logger), nil
	}
	return nil, errs.New(errs.CodeValidation, "unknown service backend %q", backend)
}

// UnitName appends ".service" unless name already carries a unit suffix.
func UnitName(name string) string {
	for _, suffix := range []string{".service", ".socket", ".timer", ".target"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}

func fail(err error, op, name string) error {
	return errs.Wrap(err, errs.CodeServiceFailed, "%s %s", op, name)
}

func failf(op, name, format string, args ...any) error {
	return errs.New(errs.CodeServiceFailed, "%s %s: %s", op, name, fmt.Sprintf(format, args...))
}
