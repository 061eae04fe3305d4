package errs

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Context is an in-memory stack of human-readable operation descriptions
// ("Upgrading node_exporter" > "Stopping service"). It is never persisted.
type Context struct {
	mu     sync.Mutex
	frames []string
}

// NewContext returns an empty operation context.
func NewContext() *Context { return &Context{} }

// Push adds an operation frame and returns the function that pops it.
// Typical use: defer ec.Push("Installing package")().
func (c *Context) Push(op string) func() {
	c.mu.Lock()
	c.frames = append(c.frames, op)
	depth := len(c.frames)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.frames) >= depth {
			c.frames = c.frames[:depth-1]
		}
	}
}

// Frames returns a copy of the current chain, outermost first.
func (c *Context) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.frames)
}

// Current returns the innermost frame or "".
func (c *Context) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return ""
	}
	return c.frames[len(c.frames)-1]
}

func (c *Context) String() string {
	return strings.Join(c.Frames(), " > ")
}

// Annotate records the current chain on err. The chain is captured once, at
// the innermost point the error is seen; outer calls leave it unchanged.
// Unstructured errors are wrapped as CodeGeneral.
func (c *Context) Annotate(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if len(e.Ops) == 0 {
			e.Ops = c.Frames()
		}
		return err
	}
	return &Error{Code: CodeGeneral, Ops: c.Frames(), Err: err}
}

// Fail builds a coded error annotated with the current chain.
func (c *Context) Fail(code Code, format string, args ...any) error {
	e := New(code, format, args...)
	e.Ops = c.Frames()
	return e
}

// LogAttr returns the chain as a slog attribute.
func (c *Context) LogAttr() slog.Attr {
	return slog.String("op", c.String())
}

type opsKey struct{}

// WithOps attaches c to ctx.
func WithOps(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, opsKey{}, c)
}

// OpsFrom returns the Context attached to ctx, or a fresh one.
func OpsFrom(ctx context.Context) *Context {
	if c, ok := ctx.Value(opsKey{}).(*Context); ok && c != nil {
		return c
	}
	return NewContext()
}
