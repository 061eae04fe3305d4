package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/stackup/internal/errs"
)

func TestAcquireBusyRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "stackup.lock")

	l, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), HolderPID(path))

	// flock locks are per open file description, so a second Acquire from
	// the same process is refused like another process would be.
	_, err = Acquire(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBusy))
	assert.Equal(t, errs.CodeLockUnavailable, errs.CodeOf(err))
	assert.Equal(t, errs.ExitValidation, errs.ExitCode(err))

	require.NoError(t, l.Release())
	require.NoError(t, l.Release(), "release is idempotent")
	assert.Equal(t, 0, HolderPID(path))

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestConcurrentAcquireExactlyOneWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackup.lock")
	const n = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		busy    atomic.Int32
		start   = make(chan struct{})
		held    = make(chan *Lock, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			l, err := Acquire(path)
			if err != nil {
				if errors.Is(err, ErrBusy) {
					busy.Add(1)
				}
				return
			}
			winners.Add(1)
			held <- l
		}()
	}
	close(start)
	wg.Wait()
	close(held)
	for l := range held {
		_ = l.Release()
	}
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(n-1), busy.Load())
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
}

func TestNilRelease(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
