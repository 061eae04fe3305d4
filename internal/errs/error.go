package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error is the structured error carried across package boundaries.
type Error struct {
	Code Code
	// Ops is the operation-context chain, outermost first.
	Ops  []string
	Msg  string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if len(e.Ops) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Ops, " > "))
	}
	msg := e.Msg
	if msg == "" && e.Err == nil {
		msg = e.Code.Description()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, &Error{Code: X}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Msg == "" && t.Err == nil
	}
	return false
}

// Remediation returns the explicit hint or the code default.
func (e *Error) Remediation() string {
	if e.Hint != "" {
		return e.Hint
	}
	return e.Code.Hint()
}

// WithHint returns e with its remediation hint replaced.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// New returns an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the outermost code; context errors map to timeout and
// canceled, anything unstructured maps to CodeGeneral.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeGeneral
}

// Is reports whether any error in err's chain carries code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return CodeOf(err).Exit()
}

// Chain returns the operation-context chain recorded on err, if any.
func Chain(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Ops
	}
	return nil
}

// Hint returns the remediation hint for err.
func Hint(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Remediation()
	}
	return CodeGeneral.Hint()
}
