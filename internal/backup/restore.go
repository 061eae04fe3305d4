package backup

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
)

// Restore stops the component, puts the record's binary, config and unit
// back at their original locations, reloads unit definitions and starts
// the service. The record is left in place so restore can be repeated.
func (m *Manager) Restore(ctx context.Context, rec *Record, def component.Definition) error {
	if rec == nil {
		return errs.New(errs.CodeRestoreFailed, "no backup record for %s", def.Name)
	}
	svcName := def.ServiceName()
	log := m.logger.With(slog.String("component", def.Name), slog.String("record", rec.ID))

	if m.svc != nil {
		if active, err := m.svc.IsActive(ctx, svcName); err != nil || active {
			if err := m.svc.Stop(ctx, svcName); err != nil {
				log.Warn("stop before restore failed", slog.Any("error", err))
			}
		}
	}

	for _, f := range rec.Manifest.Files {
		src := filepath.Join(rec.Path, f.Name)
		var err error
		if f.Kind == KindConfig {
			err = replaceTree(src, f.Source)
		} else {
			err = replaceFile(src, f.Source)
		}
		if err != nil {
			return errs.Wrap(err, errs.CodeRestoreFailed, "restore %s %s", f.Kind, f.Source)
		}
		log.Debug("restored", slog.String("kind", f.Kind), slog.String("path", f.Source))
	}

	if m.svc != nil {
		if err := m.svc.Reload(ctx); err != nil {
			return errs.Wrap(err, errs.CodeRestoreFailed, "reload service definitions")
		}
		if err := m.svc.Start(ctx, svcName); err != nil {
			return errs.Wrap(err, errs.CodeRestoreFailed, "start %s", svcName)
		}
	}
	log.Info("backup restored", slog.String("version", rec.Manifest.Version))
	return nil
}
