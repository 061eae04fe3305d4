package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/stackup/internal/config"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/orchestrator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(orchestrator.Terminal{})
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
	}
	os.Exit(errs.ExitCode(err))
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// command carries what the subcommands share.
type command struct {
	flags   *GlobalFlags
	confirm orchestrator.Confirmer
}

// buildRoot creates the command tree. confirm answers operator prompts.
func buildRoot(confirm orchestrator.Confirmer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	upgradeFlags := &UpgradeFlags{}
	resumeFlags := &ResumeFlags{}
	rollbackFlags := &RollbackFlags{}
	planFlags := &PlanFlags{}
	backupListFlags := &BackupListFlags{}
	backupPruneFlags := &BackupPruneFlags{}

	stackupCommand := command{flags: globalFlags, confirm: confirm}

	root := createRootCommand(globalFlags)

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and prune component backups",
	}
	backupCmd.AddCommand(
		createBackupListCommand(stackupCommand, backupListFlags),
		createBackupPruneCommand(stackupCommand, backupPruneFlags),
	)

	root.AddCommand(
		createPlanCommand(stackupCommand, planFlags),
		createStatusCommand(stackupCommand),
		createVerifyCommand(stackupCommand),
		createUpgradeCommand(stackupCommand, upgradeFlags),
		createResumeCommand(stackupCommand, resumeFlags),
		createRollbackCommand(stackupCommand, rollbackFlags),
		backupCmd,
		createServeCommand(stackupCommand),
	)
	return root
}

// createRootCommand creates the root command with its persistent flags.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackup",
		Short: "Phased upgrades for a host monitoring stack",
		Long: `Stackup upgrades the components of a monitoring stack in phases
(exporters, core, auxiliary), snapshotting each one first, persisting
progress so an interrupted run can be resumed, and rolling back from
backups on request.

Examples:
  stackup plan --check-latest
  stackup upgrade --all --mode=safe
  stackup upgrade --component=node_exporter --yes
  stackup resume
  stackup rollback --component=prometheus`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", config.DefaultPath, "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errs.Wrap(err, errs.CodeValidation, "invalid arguments")
	})
	return root
}

// printError writes the code, the operation chain with its cause and the
// remediation hint for a fatal error.
func printError(w io.Writer, err error) {
	code := errs.CodeOf(err)
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) && e == err {
		msg = strings.TrimPrefix(msg, code.String()+": ")
	}
	_, _ = fmt.Fprintf(w, "error[%s]: %s\n", code, msg)
	if hint := errs.Hint(err); hint != "" {
		_, _ = fmt.Fprintf(w, "hint: %s\n", hint)
	}
}
