// Package servicetest provides an in-memory service.Manager for tests.
package servicetest

import (
	"context"
	"fmt"
	"sync"
)

// Fake records calls and tracks which services are active.
type Fake struct {
	mu     sync.Mutex
	active map[string]bool
	calls  []string
	// Fail maps "op name" (for example "start loki") to the error returned.
	Fail map[string]error
	// OnStart runs after a successful Start or Restart.
	OnStart func(name string)
}

func New(active ...string) *Fake {
	f := &Fake{active: map[string]bool{}, Fail: map[string]error{}}
	for _, n := range active {
		f.active[n] = true
	}
	return f
}

func (f *Fake) record(op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op
	if name != "" {
		key = op + " " + name
	}
	f.calls = append(f.calls, key)
	return f.Fail[key]
}

func (f *Fake) Start(_ context.Context, name string) error {
	if err := f.record("start", name); err != nil {
		return err
	}
	f.setActive(name, true)
	return nil
}

func (f *Fake) Stop(_ context.Context, name string) error {
	if err := f.record("stop", name); err != nil {
		return err
	}
	f.setActive(name, false)
	return nil
}

func (f *Fake) Restart(_ context.Context, name string) error {
	if err := f.record("restart", name); err != nil {
		return err
	}
	f.setActive(name, true)
	return nil
}

func (f *Fake) IsActive(_ context.Context, name string) (bool, error) {
	if err := f.record("is-active", name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name], nil
}

func (f *Fake) Reload(context.Context) error {
	return f.record("reload", "")
}

func (f *Fake) setActive(name string, on bool) {
	f.mu.Lock()
	f.active[name] = on
	cb := f.OnStart
	f.mu.Unlock()
	if on && cb != nil {
		cb(name)
	}
}

// Active reports the tracked state of name.
func (f *Fake) Active(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[name]
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times "op name" was called.
func (f *Fake) Count(op, name string) int {
	want := fmt.Sprintf("%s %s", op, name)
	n := 0
	for _, c := range f.Calls() {
		if c == want {
			n++
		}
	}
	return n
}
