package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/history"
	"github.com/loykin/stackup/internal/history/file"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state", "state.json"), opts...)
}

func TestReadMissingSynthesizesEmpty(t *testing.T) {
	s := newStore(t)
	doc, err := s.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.Components)
	assert.Empty(t, doc.History)
	assert.Equal(t, SessionIdle, doc.Session.Status)
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "read must not create the file")
}

func TestUpdateRoundTrip(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newStore(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	require.NoError(t, s.SetComponentStatus(ctx, "node_exporter", StatusCompleted, Extra{Version: "1.7.0", Phase: 1, Risk: "low"}))

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, fixed, doc.LastUpdated)
	c := doc.Components["node_exporter"]
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "1.7.0", c.CurrentVersion)
	assert.Equal(t, 1, c.Phase)

	st, err := s.GetComponentStatus("node_exporter")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)

	st, err = s.GetComponentStatus("unknown")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestSetComponentStatusKeepsUnsetFields(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetComponentStatus(ctx, "loki", StatusInProgress, Extra{Version: "2.9.3", Phase: 2, Risk: "high"}))
	require.NoError(t, s.SetComponentStatus(ctx, "loki", StatusFailed, Extra{Message: "install failed"}))

	doc, err := s.Read()
	require.NoError(t, err)
	c := doc.Components["loki"]
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, "2.9.3", c.CurrentVersion)
	assert.Equal(t, 2, c.Phase)
	assert.Equal(t, "high", c.Risk)
	assert.Equal(t, "install failed", c.Message)
}

func TestSetComponentStatusRejectsUnknown(t *testing.T) {
	s := newStore(t)
	err := s.SetComponentStatus(context.Background(), "x", Status("bogus"), Extra{})
	assert.True(t, errs.Is(err, errs.CodeValidation))
}

func TestUpdateCallbackErrorWritesNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetComponentStatus(ctx, "a", StatusCompleted, Extra{}))
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Update(ctx, func(d *Document) error {
		d.Components["a"] = ComponentState{Status: StatusFailed}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCorruptDocument(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), 0o755))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"components": {`), 0o600))

	_, err := s.Read()
	assert.True(t, errs.Is(err, errs.CodeStateCorrupt))

	err = s.Update(context.Background(), func(*Document) error { return nil })
	assert.True(t, errs.Is(err, errs.CodeStateCorrupt))
}

func TestBackupKeptAndRestorable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetComponentStatus(ctx, "a", StatusCompleted, Extra{Version: "1.0.0"}))
	require.NoError(t, s.SetComponentStatus(ctx, "a", StatusFailed, Extra{}))

	_, err := os.Stat(s.BackupPath())
	require.NoError(t, err)

	// Simulate a damaged document and recover the previous one.
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage"), 0o600))
	require.NoError(t, s.RestoreBackup())

	doc, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, doc.Components["a"].Status)
}

func TestRestoreBackupMissing(t *testing.T) {
	s := newStore(t)
	assert.True(t, errs.Is(s.RestoreBackup(), errs.CodeStateIO))
}

func TestNoTempFilesLeftBehind(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SetComponentStatus(ctx, "a", StatusInProgress, Extra{}))
	}
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"state.json", "state.json.bak"}, names)
}

func TestConcurrentReadersNeverSeeTornDocument(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetComponentStatus(ctx, "seed", StatusPending, Extra{}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = s.SetComponentStatus(ctx, "seed", StatusInProgress, Extra{Message: time.Now().String()})
		}
		close(stop)
	}()
	reader := New(s.Path())
	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
			_, err := reader.Read()
			require.NoError(t, err)
		}
	}
}

func TestIsResumable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	ok, err := s.IsResumable()
	require.NoError(t, err)
	assert.False(t, ok)

	for _, tc := range []struct {
		st   SessionStatus
		want bool
	}{
		{SessionFailed, true},
		{SessionInProgress, true},
		{SessionCompleted, false},
		{SessionIdle, false},
	} {
		require.NoError(t, s.Update(ctx, func(d *Document) error {
			d.Session.Status = tc.st
			return nil
		}))
		ok, err := s.IsResumable()
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, tc.st)
	}
}

func TestAppendHistoryTrimsToOverflow(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "history.jsonl")
	s := newStore(t, WithHistoryLimit(2), WithOverflow(file.New(logPath)))
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, s.AppendHistory(ctx, history.Entry{ID: id, Status: "completed"}))
	}

	doc, err := s.Read()
	require.NoError(t, err)
	require.Len(t, doc.History, 2)
	assert.Equal(t, "s3", doc.History[0].ID)
	assert.Equal(t, "s4", doc.History[1].ID)

	events, err := file.ReadAll(logPath)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, history.EventTrimmed, events[0].Type)
	assert.Equal(t, "s1", events[0].Entry.ID)
	assert.Equal(t, "s2", events[1].Entry.ID)
}

type failingSink struct{}

func (failingSink) Send(context.Context, history.Event) error { return errors.New("disk full") }

func TestAppendHistoryKeepsEntriesWhenOverflowFails(t *testing.T) {
	s := newStore(t, WithHistoryLimit(1), WithOverflow(failingSink{}))
	ctx := context.Background()
	require.NoError(t, s.AppendHistory(ctx, history.Entry{ID: "s1"}))
	require.NoError(t, s.AppendHistory(ctx, history.Entry{ID: "s2"}))

	doc, err := s.Read()
	require.NoError(t, err)
	require.Len(t, doc.History, 2)
	assert.Equal(t, "s1", doc.History[0].ID)
}

func TestUpdateHonorsCanceledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Update(ctx, func(*Document) error { return nil })
	assert.True(t, errs.Is(err, errs.CodeCanceled))
}
