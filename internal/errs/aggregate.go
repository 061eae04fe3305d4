package errs

import (
	"fmt"
	"strings"
	"sync"
)

// Aggregate collects failures of a batch operation so one bad item does not
// hide the others.
type Aggregate struct {
	mu   sync.Mutex
	code Code
	op   string
	errs []error
}

// NewAggregate returns an aggregate reported under code for op.
func NewAggregate(code Code, op string) *Aggregate {
	return &Aggregate{code: code, op: op}
}

// Add records err; nil is ignored.
func (a *Aggregate) Add(err error) {
	if err == nil {
		return
	}
	a.mu.Lock()
	a.errs = append(a.errs, err)
	a.mu.Unlock()
}

// Len returns the number of recorded failures.
func (a *Aggregate) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.errs)
}

// Errors returns the recorded failures.
func (a *Aggregate) Errors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]error, len(a.errs))
	copy(out, a.errs)
	return out
}

// Err returns nil when nothing failed, otherwise a single *Error whose
// cause is an AggregateError listing every failure.
func (a *Aggregate) Err() error {
	errs := a.Errors()
	if len(errs) == 0 {
		return nil
	}
	return &Error{
		Code: a.code,
		Msg:  fmt.Sprintf("%s: %d failure(s)", a.op, len(errs)),
		Err:  AggregateError(errs),
	}
}

// AggregateError is a list of errors that unwraps to each member.
type AggregateError []error

func (ae AggregateError) Error() string {
	parts := make([]string, len(ae))
	for i, e := range ae {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func (ae AggregateError) Unwrap() []error { return ae }
