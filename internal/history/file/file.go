// Package file implements an unbounded append-only JSON-lines history sink.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/stackup/internal/history"
)

// Sink appends one JSON object per line to a file and fsyncs each write.
type Sink struct {
	mu   sync.Mutex
	path string
}

// New returns a sink writing to path. The file is created on first Send.
func New(path string) *Sink {
	return &Sink{path: path}
}

// Path returns the log file path.
func (s *Sink) Path() string { return s.path }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	// #nosec G304
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadAll decodes every event in the log at path. A missing file yields no events.
func ReadAll(path string) ([]history.Event, error) {
	// #nosec G304
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []history.Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var e history.Event
		if err := dec.Decode(&e); err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}
