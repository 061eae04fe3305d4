package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/loykin/stackup/internal/errs"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// Terminal prompts on the controlling terminal with a huh form. Without a
// terminal on stdin it refuses instead of blocking.
type Terminal struct{}

func (Terminal) Confirm(ctx context.Context, prompt string) (bool, error) {
	if !StdinIsTerminal() {
		return false, errs.New(errs.CodeCanceled, "confirmation required but stdin is not a terminal: %s", prompt).
			WithHint("re-run with --yes, or outside safe mode for high-risk components")
	}
	ok := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(prompt).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// StdinIsTerminal reports whether stdin is an interactive terminal.
func StdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Lines reads y/yes answers from a reader, one per prompt. Anything else,
// including EOF, declines.
type Lines struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewLines(in io.Reader, out io.Writer) *Lines {
	return &Lines{in: bufio.NewReader(in), out: out}
}

func (l *Lines) Confirm(ctx context.Context, prompt string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out != nil {
		_, _ = fmt.Fprintf(l.out, "%s [y/N]: ", prompt)
	}
	line, err := l.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Approve answers yes to everything.
type Approve struct{}

func (Approve) Confirm(context.Context, string) (bool, error) { return true, nil }

// Decline answers no to everything.
type Decline struct{}

func (Decline) Confirm(context.Context, string) (bool, error) { return false, nil }

// Interactive picks Terminal when stdin is a terminal and Decline otherwise.
func Interactive() Confirmer {
	if StdinIsTerminal() {
		return Terminal{}
	}
	return Decline{}
}
