// Package lock provides the non-blocking advisory lock that serializes every
// state-mutating stackup invocation on a host.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/loykin/stackup/internal/errs"
)

// ErrBusy is returned (wrapped in a lock-unavailable *errs.Error) when another
// process holds the lock.
var ErrBusy = errors.New("lock is held by another process")

// Lock is a held advisory lock. Release is idempotent.
type Lock struct {
	path string
	f    *os.File
	once sync.Once
	err  error
}

// Acquire takes the lock at path without blocking. The lock file is created
// if needed and receives the holder's PID for diagnostics.
func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errs.New(errs.CodeValidation, "lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(err, errs.CodeLockUnavailable, "create lock directory")
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeLockUnavailable, "open lock file %s", path)
	}
	if err := tryLock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrBusy) {
			msg := "lock " + path + " is held"
			if pid := HolderPID(path); pid > 0 {
				msg = fmt.Sprintf("%s by pid %d", msg, pid)
			}
			return nil, &errs.Error{Code: errs.CodeLockUnavailable, Msg: msg, Err: ErrBusy}
		}
		return nil, errs.Wrap(err, errs.CodeLockUnavailable, "lock %s", path)
	}
	if err := writePID(f); err != nil {
		_ = unlock(f)
		_ = f.Close()
		return nil, errs.Wrap(err, errs.CodeLockUnavailable, "record lock holder")
	}
	return &Lock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. The file itself is left in place: removing it would
// let a waiter lock an unlinked inode while a newcomer locks a fresh one.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		_ = l.f.Truncate(0)
		if err := unlock(l.f); err != nil {
			l.err = err
		}
		if err := l.f.Close(); err != nil && l.err == nil {
			l.err = err
		}
	})
	return l.err
}

// HolderPID returns the PID recorded in the lock file, or 0.
func HolderPID(path string) int {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return pid
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return err
	}
	return f.Sync()
}
