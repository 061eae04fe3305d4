package service

import (
	"context"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"
)

// DBusAPI is the subset of the go-systemd connection used here.
type DBusAPI interface {
	Close()
	StartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	RestartUnitContext(ctx context.Context, name, mode string, ch chan<- string) (int, error)
	GetUnitPropertyContext(ctx context.Context, unit, propertyName string) (*dbus.Property, error)
	ReloadContext(ctx context.Context) error
}

// Systemd talks to systemd over D-Bus. A connection is opened per call.
type Systemd struct {
	logger *slog.Logger
	dial   func(ctx context.Context) (DBusAPI, error)
}

func NewSystemd(logger *slog.Logger) *Systemd {
	return &Systemd{
		logger: logger,
		dial: func(ctx context.Context) (DBusAPI, error) {
			return dbus.NewWithContext(ctx)
		},
	}
}

// NewSystemdWithDialer is NewSystemd with an injected connection factory.
func NewSystemdWithDialer(logger *slog.Logger, dial func(ctx context.Context) (DBusAPI, error)) *Systemd {
	return &Systemd{logger: logger, dial: dial}
}

type jobFunc func(ctx context.Context, name, mode string, ch chan<- string) (int, error)

func (s *Systemd) job(ctx context.Context, op, name string, pick func(DBusAPI) jobFunc) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fail(err, op, name)
	}
	defer conn.Close()

	unit := UnitName(name)
	ch := make(chan string, 1)
	if _, err := pick(conn)(ctx, unit, "replace", ch); err != nil {
		return fail(err, op, name)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return failf(op, name, "job result %q", result)
		}
	case <-ctx.Done():
		return fail(ctx.Err(), op, name)
	}
	s.logger.Debug("service job done", slog.String("op", op), slog.String("unit", unit))
	return nil
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	return s.job(ctx, "start", name, func(c DBusAPI) jobFunc { return c.StartUnitContext })
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	return s.job(ctx, "stop", name, func(c DBusAPI) jobFunc { return c.StopUnitContext })
}

func (s *Systemd) Restart(ctx context.Context, name string) error {
	return s.job(ctx, "restart", name, func(c DBusAPI) jobFunc { return c.RestartUnitContext })
}

func (s *Systemd) IsActive(ctx context.Context, name string) (bool, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return false, fail(err, "query", name)
	}
	defer conn.Close()

	prop, err := conn.GetUnitPropertyContext(ctx, UnitName(name), "ActiveState")
	if err != nil {
		return false, fail(err, "query", name)
	}
	state, _ := prop.Value.Value().(string)
	return state == "active" || state == "reloading", nil
}

func (s *Systemd) Reload(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fail(err, "reload", "daemon")
	}
	defer conn.Close()
	if err := conn.ReloadContext(ctx); err != nil {
		return fail(err, "reload", "daemon")
	}
	return nil
}
