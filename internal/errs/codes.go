package errs

import (
	"fmt"
	"slices"
)

// Code is a stable numeric error code. Values are part of the scripting
// contract and must never be renumbered.
type Code int

const (
	CodeGeneral           Code = 1
	CodeValidation        Code = 10
	CodeLockUnavailable   Code = 11
	CodeDependencyMissing Code = 12
	CodeNetwork           Code = 13
	CodeTimeout           Code = 14
	CodeBackupFailed      Code = 20
	CodeRestoreFailed     Code = 21
	CodeRollbackFailed    Code = 22
	CodeVersionMismatch   Code = 30
	CodeHealthCheckFailed Code = 31
	CodeInstallFailed     Code = 32
	CodePreflightFailed   Code = 33
	CodeServiceFailed     Code = 34
	CodeStateCorrupt      Code = 40
	CodeStateIO           Code = 41
	CodeNotResumable      Code = 42
	CodeCanceled          Code = 50
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitCanceled   = 3
)

type codeInfo struct {
	name        string
	description string
	hint        string
	exit        int
}

var codes = map[Code]codeInfo{
	CodeGeneral: {"general", "operation failed", "inspect the log output above for the failing step", ExitFailure},
	CodeValidation: {"validation", "invalid configuration or input",
		"check the configuration file and command flags", ExitValidation},
	CodeLockUnavailable: {"lock-unavailable", "another stackup invocation is already running",
		"wait for the running invocation to finish, then retry", ExitValidation},
	CodeDependencyMissing: {"dependency-missing", "a required external tool is missing",
		"install the missing tool or fix its path in the configuration", ExitFailure},
	CodeNetwork: {"network", "network request failed", "check connectivity to the upstream source", ExitFailure},
	CodeTimeout: {"timeout", "operation timed out", "retry; if it persists raise the configured timeout", ExitFailure},
	CodeBackupFailed: {"backup-failed", "could not create a complete backup",
		"check free space and permissions under the backup root", ExitFailure},
	CodeRestoreFailed: {"restore-failed", "could not restore from backup",
		"inspect the backup directory and restore the files manually", ExitFailure},
	CodeRollbackFailed: {"rollback-failed", "one or more components could not be rolled back",
		"run 'stackup status' and roll back the remaining components individually", ExitFailure},
	CodeVersionMismatch: {"version-mismatch", "installed version does not match the target after install",
		"check the installer output in the component install log", ExitFailure},
	CodeHealthCheckFailed: {"health-check-failed", "component did not become healthy after restart",
		"check the service journal; run 'stackup rollback --component=<name>' if needed", ExitFailure},
	CodeInstallFailed: {"install-failed", "component installer failed",
		"check the installer output in the component install log, then run 'stackup resume'", ExitFailure},
	CodePreflightFailed: {"preflight-failed", "pre-flight checks failed",
		"free disk space or fix the installer path, then run 'stackup resume'", ExitFailure},
	CodeServiceFailed: {"service-failed", "service manager operation failed",
		"check 'systemctl status <unit>' for the component", ExitFailure},
	CodeStateCorrupt: {"state-corrupt", "state document is unreadable or invalid",
		"run 'stackup verify'; the previous document is kept next to the state file as .bak", ExitFailure},
	CodeStateIO: {"state-io", "state document could not be written",
		"check permissions and free space for the state directory", ExitFailure},
	CodeNotResumable: {"not-resumable", "no interrupted or failed session to resume",
		"start a new run with 'stackup upgrade'", ExitValidation},
	CodeCanceled: {"canceled", "canceled by operator", "re-run with --yes to skip confirmation where allowed", ExitCanceled},
}

// Name returns the short kebab-case name of the code.
func (c Code) Name() string {
	if ci, ok := codes[c]; ok {
		return ci.name
	}
	return "unknown"
}

// Description returns the fixed human description of the code.
func (c Code) Description() string {
	if ci, ok := codes[c]; ok {
		return ci.description
	}
	return fmt.Sprintf("unknown error code %d", int(c))
}

// Hint returns the default remediation hint for the code.
func (c Code) Hint() string {
	return codes[c].hint
}

// Exit returns the process exit code associated with c.
func (c Code) Exit() int {
	if ci, ok := codes[c]; ok {
		return ci.exit
	}
	return ExitFailure
}

func (c Code) String() string {
	return fmt.Sprintf("E%03d %s", int(c), c.Name())
}

// Codes returns every known code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}
