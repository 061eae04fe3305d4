package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
)

// DefaultHistoryLimit bounds the in-document session history.
const DefaultHistoryLimit = 20

// Store reads and atomically rewrites the state document at one path.
// Readers never observe a torn document: every write goes to a temporary
// file in the same directory which is then renamed over the old one.
type Store struct {
	mu       sync.Mutex
	path     string
	limit    int
	overflow history.Sink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryLimit sets how many session summaries the document keeps.
func WithHistoryLimit(n int) Option { return func(s *Store) { s.limit = n } }

// WithOverflow sets the sink that receives history entries trimmed from the
// document.
func WithOverflow(sink history.Sink) Option { return func(s *Store) { s.overflow = sink } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithClock overrides the time source; used by tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		limit:  DefaultHistoryLimit,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// BackupPath is where the previous document is kept after each write.
func (s *Store) BackupPath() string { return s.path + ".bak" }

// Read loads the document. A missing file yields an empty document.
func (s *Store) Read() (*Document, error) {
	doc, _, err := s.load()
	return doc, err
}

func (s *Store) load() (*Document, []byte, error) {
	// #nosec G304
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Empty(), nil, nil
	}
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.CodeStateIO, "read state %s", s.path)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, raw, errs.Wrap(err, errs.CodeStateCorrupt, "parse state %s", s.path)
	}
	return doc, raw, nil
}

func decode(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("document is empty")
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	doc.normalize()
	return &doc, nil
}

// Update performs a read-modify-write of the document. When fn returns an
// error nothing is written and that error is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, errs.CodeCanceled, "update state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, old, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	doc.LastUpdated = s.now()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errs.Wrap(err, errs.CodeStateIO, "encode state")
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Wrap(err, errs.CodeStateIO, "create state directory")
	}
	if old != nil {
		if err := writeFileAtomic(s.BackupPath(), old, 0o600); err != nil {
			return errs.Wrap(err, errs.CodeStateIO, "keep previous state")
		}
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return errs.Wrap(err, errs.CodeStateIO, "write state %s", s.path)
	}
	return nil
}

// RestoreBackup replaces the document with the copy kept at BackupPath.
// The copy must itself parse.
func (s *Store) RestoreBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// #nosec G304
	raw, err := os.ReadFile(s.BackupPath())
	if err != nil {
		return errs.Wrap(err, errs.CodeStateIO, "read state backup")
	}
	if _, err := decode(raw); err != nil {
		return errs.Wrap(err, errs.CodeStateCorrupt, "state backup is not usable")
	}
	if err := writeFileAtomic(s.path, raw, 0o600); err != nil {
		return errs.Wrap(err, errs.CodeStateIO, "restore state from backup")
	}
	s.logger.Warn("state restored from backup", slog.String("path", s.path))
	return nil
}

// GetComponentStatus returns the recorded status of name.
func (s *Store) GetComponentStatus(name string) (Status, error) {
	doc, err := s.Read()
	if err != nil {
		return "", err
	}
	return doc.ComponentStatus(name), nil
}

// Extra carries optional fields for SetComponentStatus. Zero values leave
// the stored field unchanged.
type Extra struct {
	Version string
	Phase   int
	Risk    string
	Message string
}

// SetComponentStatus records status for name.
func (s *Store) SetComponentStatus(ctx context.Context, name string, status Status, extra Extra) error {
	if !status.Valid() {
		return errs.New(errs.CodeValidation, "invalid component status %q", status)
	}
	return s.Update(ctx, func(d *Document) error {
		d.SetComponent(name, status, extra, s.now())
		return nil
	})
}

// SetComponent records status for name at the given time.
func (d *Document) SetComponent(name string, status Status, extra Extra, at time.Time) {
	c := d.Components[name]
	c.Status = status
	if extra.Version != "" {
		c.CurrentVersion = extra.Version
	}
	if extra.Phase != 0 {
		c.Phase = extra.Phase
	}
	if extra.Risk != "" {
		c.Risk = extra.Risk
	}
	c.Message = extra.Message
	c.UpdatedAt = at
	d.Components[name] = c
}

// IsResumable reports whether the last session failed or ended abnormally.
func (s *Store) IsResumable() (bool, error) {
	doc, err := s.Read()
	if err != nil {
		return false, err
	}
	return doc.Resumable(), nil
}

// AppendHistory adds a session summary to the document. Entries pushed out
// of the bounded history go to the overflow sink first; if that fails they
// stay in the document so nothing is lost.
func (s *Store) AppendHistory(ctx context.Context, e history.Entry) error {
	return s.Update(ctx, func(d *Document) error {
		s.appendHistory(ctx, d, e)
		return nil
	})
}

// AppendHistoryTo is AppendHistory for callers already inside Update.
func (s *Store) AppendHistoryTo(ctx context.Context, d *Document, e history.Entry) {
	s.appendHistory(ctx, d, e)
}

func (s *Store) appendHistory(ctx context.Context, d *Document, e history.Entry) {
	trimmed := d.AppendHistory(e, s.limit)
	if len(trimmed) == 0 {
		return
	}
	if s.overflow == nil {
		s.logger.Warn("history overflow has no log; keeping entries", slog.Int("entries", len(trimmed)))
		d.History = append(trimmed, d.History...)
		return
	}
	for i, t := range trimmed {
		ev := history.Event{
			Type:       history.EventTrimmed,
			OccurredAt: s.now(),
			SessionID:  t.ID,
			Status:     t.Status,
			Entry:      &t,
		}
		if err := s.overflow.Send(ctx, ev); err != nil {
			s.logger.Warn("history overflow write failed; keeping entries",
				slog.Int("entries", len(trimmed)-i), slog.Any("error", err))
			d.History = append(append([]history.Entry(nil), trimmed[i:]...), d.History...)
			return
		}
	}
}
