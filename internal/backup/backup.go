// Package backup snapshots a component's binary, configuration tree and
// service unit before it is touched, and restores them on rollback.
//
// Layout: <root>/<component>/<timestamp>/{binary, config/, unit, manifest.json}
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/service"
)

// TimestampFormat names record directories; it sorts lexically by time.
const TimestampFormat = "20060102T150405Z"

const manifestName = "manifest.json"

// Item kinds stored in a record.
const (
	KindBinary = "binary"
	KindConfig = "config"
	KindUnit   = "unit"
)

// FileEntry is one snapshotted path.
type FileEntry struct {
	Kind   string      `json:"kind"`
	Source string      `json:"source"`
	Name   string      `json:"name"`
	Mode   fs.FileMode `json:"mode"`
}

// Manifest describes a record.
type Manifest struct {
	Component string      `json:"component"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
	Operator  string      `json:"operator,omitempty"`
	Host      string      `json:"host,omitempty"`
	Files     []FileEntry `json:"files"`
}

// Record is a backup directory and its manifest.
type Record struct {
	Component string
	ID        string
	Path      string
	Manifest  Manifest
	Size      int64
}

// Age returns how long ago the record was taken.
func (r Record) Age(now time.Time) time.Duration { return now.Sub(r.Manifest.Timestamp) }

func (r Record) String() string {
	return fmt.Sprintf("%s@%s (%s, %s)", r.Component, r.ID, r.Manifest.Version, humanize.Bytes(uint64(r.Size)))
}

// Manager owns the backup root.
type Manager struct {
	root   string
	svc    service.Manager
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func New(root string, svc service.Manager, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		svc:    svc,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Root() string { return m.root }

// Snapshot copies the component's binary, config directory and unit into a
// fresh record. On any failure the partial record is removed.
func (m *Manager) Snapshot(def component.Definition, installedVersion string) (rec *Record, err error) {
	ts := m.now()
	compDir := filepath.Join(m.root, def.Name)
	if err := os.MkdirAll(compDir, 0o750); err != nil {
		return nil, errs.Wrap(err, errs.CodeBackupFailed, "create backup directory")
	}
	id, dir, err := reserve(compDir, ts.Format(TimestampFormat))
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeBackupFailed, "reserve backup record")
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(dir)
		}
	}()

	man := Manifest{
		Component: def.Name,
		Version:   installedVersion,
		Timestamp: ts,
		Operator:  operator(),
	}
	man.Host, _ = os.Hostname()

	items := []struct{ kind, src string }{
		{KindBinary, def.Binary},
		{KindConfig, def.ConfigDir},
		{KindUnit, def.Unit},
	}
	for _, it := range items {
		if it.src == "" {
			continue
		}
		info, err := os.Stat(it.src)
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeBackupFailed, "snapshot %s %s", it.kind, it.src)
		}
		if it.kind == KindConfig && !info.IsDir() {
			return nil, errs.New(errs.CodeBackupFailed, "config_dir %s is not a directory", it.src)
		}
		if it.kind != KindConfig && !info.Mode().IsRegular() {
			return nil, errs.New(errs.CodeBackupFailed, "%s %s is not a regular file", it.kind, it.src)
		}
		dst := filepath.Join(dir, it.kind)
		if info.IsDir() {
			err = copyTree(it.src, dst)
		} else {
			err = copyFile(it.src, dst)
		}
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeBackupFailed, "snapshot %s %s", it.kind, it.src)
		}
		man.Files = append(man.Files, FileEntry{Kind: it.kind, Source: it.src, Name: it.kind, Mode: info.Mode()})
	}

	if err := writeManifest(dir, man); err != nil {
		return nil, errs.Wrap(err, errs.CodeBackupFailed, "write manifest")
	}
	size, _ := dirSize(dir)
	rec = &Record{Component: def.Name, ID: id, Path: dir, Manifest: man, Size: size}
	m.logger.Info("backup created",
		slog.String("component", def.Name),
		slog.String("record", id),
		slog.String("version", installedVersion),
		slog.String("size", humanize.Bytes(uint64(size))))
	return rec, nil
}

// reserve creates a uniquely named record directory below compDir.
func reserve(compDir, base string) (string, string, error) {
	for i := 0; i < 100; i++ {
		id := base
		if i > 0 {
			id = fmt.Sprintf("%s-%d", base, i)
		}
		dir := filepath.Join(compDir, id)
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			return id, dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("too many records named %s", base)
}

func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func writeManifest(dir string, man Manifest) error {
	b, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, manifestName), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readRecord(compDir, name, id string) (Record, error) {
	dir := filepath.Join(compDir, id)
	// #nosec G304
	b, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Record{}, err
	}
	var man Manifest
	if err := json.Unmarshal(b, &man); err != nil {
		return Record{}, err
	}
	size, _ := dirSize(dir)
	return Record{Component: name, ID: id, Path: dir, Manifest: man, Size: size}, nil
}

// List returns the records of one component, or every component when name
// is empty, newest first within each component. Directories without a
// readable manifest are ignored.
func (m *Manager) List(name string) ([]Record, error) {
	var comps []string
	if name != "" {
		comps = []string{name}
	} else {
		entries, err := os.ReadDir(m.root)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeGeneral, "list backups")
		}
		for _, e := range entries {
			if e.IsDir() {
				comps = append(comps, e.Name())
			}
		}
		sort.Strings(comps)
	}

	var out []Record
	for _, c := range comps {
		compDir := filepath.Join(m.root, c)
		entries, err := os.ReadDir(compDir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, errs.Wrap(err, errs.CodeGeneral, "list backups for %s", c)
		}
		var recs []Record
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			rec, err := readRecord(compDir, c, e.Name())
			if err != nil {
				m.logger.Debug("skipping backup without manifest", slog.String("path", filepath.Join(compDir, e.Name())))
				continue
			}
			recs = append(recs, rec)
		}
		sort.Slice(recs, func(i, j int) bool { return newer(recs[i], recs[j]) })
		out = append(out, recs...)
	}
	return out, nil
}

func newer(a, b Record) bool {
	if !a.Manifest.Timestamp.Equal(b.Manifest.Timestamp) {
		return a.Manifest.Timestamp.After(b.Manifest.Timestamp)
	}
	return a.ID > b.ID
}

// Latest returns the newest record of name, or nil when there is none.
func (m *Manager) Latest(name string) (*Record, error) {
	recs, err := m.List(name)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// PruneOptions selects records outside retention. A zero field disables
// that rule; with both zero nothing is pruned.
type PruneOptions struct {
	KeepLast  int
	OlderThan time.Duration
	// Protect lists record paths in use by the running operation.
	Protect []string
}

// Prune deletes records outside retention and returns them. The newest
// record of each component and protected records are always kept.
func (m *Manager) Prune(opts PruneOptions) ([]Record, error) {
	recs, err := m.List("")
	if err != nil {
		return nil, err
	}
	protected := make(map[string]bool, len(opts.Protect))
	for _, p := range opts.Protect {
		protected[filepath.Clean(p)] = true
	}
	now := m.now()
	rank := map[string]int{}
	var removed []Record
	agg := errs.NewAggregate(errs.CodeGeneral, "prune backups")
	for _, r := range recs {
		idx := rank[r.Component]
		rank[r.Component] = idx + 1
		if idx == 0 || protected[filepath.Clean(r.Path)] {
			continue
		}
		expired := opts.KeepLast > 0 && idx >= opts.KeepLast
		if opts.OlderThan > 0 && r.Age(now) > opts.OlderThan {
			expired = true
		}
		if !expired {
			continue
		}
		if err := os.RemoveAll(r.Path); err != nil {
			agg.Add(fmt.Errorf("%s: %w", r.Path, err))
			continue
		}
		m.logger.Info("backup pruned", slog.String("component", r.Component), slog.String("record", r.ID))
		removed = append(removed, r)
	}
	return removed, agg.Err()
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
