package version

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LatestSource resolves the newest upstream release tag for a repository.
type LatestSource interface {
	Latest(ctx context.Context, repository string) (string, error)
}

// Resolver detects installed versions and fetches upstream versions. Neither
// operation returns an error: malformed or missing data degrades to
// "not installed" or "unknown".
type Resolver struct {
	Source  LatestSource
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewResolver returns a resolver using src for upstream lookups (src may be nil).
func NewResolver(src LatestSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{Source: src, Timeout: 15 * time.Second, Logger: logger}
}

// DetectInstalled runs the component's version-reporting command and parses
// major.minor.patch from its output. When command is empty "<binary> --version"
// is used. The boolean is false when the component is not installed or its
// output carries no parseable version.
func (r *Resolver) DetectInstalled(ctx context.Context, binary, command string) (Version, bool) {
	command = strings.TrimSpace(command)
	if command == "" {
		if binary == "" {
			return Version{}, false
		}
		if _, err := os.Stat(binary); err != nil {
			return Version{}, false
		}
		command = binary + " --version"
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	cmd := buildShellAwareCommand(ctx, command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		// Some exporters print their version and exit non-zero; still try to parse.
		r.Logger.Debug("version command failed", slog.String("command", command), slog.String("error", err.Error()))
		if out.Len() == 0 {
			return Version{}, false
		}
	}
	v, err := Parse(out.String())
	if err != nil {
		r.Logger.Debug("unparseable version output", slog.String("command", command), slog.String("output", firstLine(out.String())))
		return Version{}, false
	}
	return v, true
}

// DetectString is DetectInstalled rendered for persistence.
func (r *Resolver) DetectString(ctx context.Context, binary, command string) string {
	if v, ok := r.DetectInstalled(ctx, binary, command); ok {
		return v.String()
	}
	return NotInstalled
}

// FetchLatest queries the upstream source. Any failure yields ok=false.
func (r *Resolver) FetchLatest(ctx context.Context, repository string) (v Version, ok bool) {
	if r.Source == nil || repository == "" {
		return Version{}, false
	}
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Warn("latest version lookup panicked", slog.String("repository", repository), slog.Any("panic", p))
			v, ok = Version{}, false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()
	tag, err := r.Source.Latest(ctx, repository)
	if err != nil {
		r.Logger.Warn("latest version unknown", slog.String("repository", repository), slog.String("error", err.Error()))
		return Version{}, false
	}
	parsed, err := Parse(tag)
	if err != nil {
		r.Logger.Warn("latest version unparseable", slog.String("repository", repository), slog.String("tag", tag))
		return Version{}, false
	}
	return parsed, true
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return 15 * time.Second
	}
	return r.Timeout
}

// buildShellAwareCommand avoids invoking a shell unless the command contains
// shell metacharacters.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
