package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stackup/internal/component"
	"github.com/loykin/stackup/internal/errs"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/state"
)

// createPlanCommand creates the plan subcommand
func createPlanCommand(c command, flags *PlanFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what an upgrade would do, grouped by phase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			plan, err := a.orch.Plan(cmd.Context(), orchestrator.PlanOptions{CheckLatest: flags.CheckLatest})
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cmd.OutOrStdout(), plan)
			}
			printPlan(cmd.OutOrStdout(), plan)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.CheckLatest, "check-latest", false, "query upstream for the latest release of each component")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of every component",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			rep, err := a.orch.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			printStatus(cmd.OutOrStdout(), rep, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// createVerifyCommand creates the verify subcommand
func createVerifyCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the state document for corruption",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			v, err := a.orch.VerifyState(cmd.Context())
			if v != nil {
				printVerification(cmd.OutOrStdout(), v)
			}
			if err != nil {
				return err
			}
			if !v.OK {
				return errs.New(errs.CodeStateCorrupt, "%s has %d problem(s)", v.Path, len(v.Problems))
			}
			return nil
		},
	}
}

// createUpgradeCommand creates the upgrade subcommand
func createUpgradeCommand(c command, flags *UpgradeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade all components, one component, or one phase",
		Long: `Upgrade components to their configured target versions, phase by phase.

Exactly one of --all, --component or --phase is required.

Examples:
  stackup upgrade --all --dry-run
  stackup upgrade --phase=1 --mode=fast
  stackup upgrade --component=grafana --target-latest --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sel := orchestrator.Selection{
				All:       flags.All,
				Component: flags.Component,
				Phase:     component.Phase(flags.Phase),
			}
			mode, err := parseMode(flags.Mode)
			if err != nil {
				return err
			}
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			rep, err := a.orch.Upgrade(cmd.Context(), sel, orchestrator.Options{
				Mode:         mode,
				DryRun:       flags.DryRun,
				Force:        flags.Force,
				AutoConfirm:  flags.Yes,
				TargetLatest: flags.TargetLatest,
			})
			if rep != nil {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.All, "all", false, "upgrade every configured component")
	cmd.Flags().StringVar(&flags.Component, "component", "", "upgrade one component by name")
	cmd.Flags().IntVar(&flags.Phase, "phase", 0, "upgrade one phase (1 exporters, 2 core, 3 auxiliary)")
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report intended actions without changing anything")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "reinstall components already at the target version")
	cmd.Flags().StringVar(&flags.Mode, "mode", string(state.ModeStandard), "pacing mode: safe, standard or fast")
	cmd.Flags().BoolVar(&flags.Yes, "yes", false, "confirm high-risk components without prompting (not in safe mode)")
	cmd.Flags().BoolVar(&flags.TargetLatest, "target-latest", false, "target the latest upstream release instead of target_version")
	return cmd
}

// createResumeCommand creates the resume subcommand
func createResumeCommand(c command, flags *ResumeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue the last interrupted or failed session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			rep, err := a.orch.Resume(cmd.Context(), orchestrator.Options{
				DryRun:      flags.DryRun,
				AutoConfirm: flags.Yes,
			})
			if rep != nil {
				printReport(cmd.OutOrStdout(), rep)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "report what would be resumed")
	cmd.Flags().BoolVar(&flags.Yes, "yes", false, "confirm high-risk components without prompting (not in safe mode)")
	return cmd
}

// createRollbackCommand creates the rollback subcommand
func createRollbackCommand(c command, flags *RollbackFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore components from their latest backup",
		Long: `Restore the latest backup of one component, or of every completed
component when --component is omitted.

Examples:
  stackup rollback --component=prometheus
  stackup rollback --force --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			results, err := a.orch.Rollback(cmd.Context(), orchestrator.RollbackOptions{
				Component:   flags.Component,
				Force:       flags.Force,
				AutoConfirm: flags.Yes,
			})
			printRollback(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().StringVar(&flags.Component, "component", "", "roll back one component (default: all completed)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "roll back components that are not in completed state")
	cmd.Flags().BoolVar(&flags.Yes, "yes", false, "skip the confirmation prompt")
	return cmd
}

// createBackupListCommand creates the backup list subcommand
func createBackupListCommand(c command, flags *BackupListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			recs, err := a.orch.ListBackups(flags.Component)
			if err != nil {
				return err
			}
			printBackups(cmd.OutOrStdout(), recs, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Component, "component", "", "only list this component's records")
	return cmd
}

// createBackupPruneCommand creates the backup prune subcommand
func createBackupPruneCommand(c command, flags *BackupPruneFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete backup records outside retention",
		Long: `Delete backup records outside retention. The newest record of each
component is always kept. Defaults come from [backup] keep_last and max_age.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()
			opts := orchestrator.PruneOptions{KeepLast: a.cfg.Backup.KeepLast, OlderThan: a.cfg.Backup.MaxAge}
			if cmd.Flags().Changed("keep-last") {
				opts.KeepLast = flags.KeepLast
			}
			if cmd.Flags().Changed("older-than") {
				opts.OlderThan = flags.OlderThan
			}
			removed, err := a.orch.PruneBackups(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printPruned(cmd.OutOrStdout(), removed)
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.KeepLast, "keep-last", 0, "keep this many records per component")
	cmd.Flags().DurationVar(&flags.OlderThan, "older-than", 0, "delete records older than this age")
	return cmd
}

func parseMode(s string) (state.Mode, error) {
	if s == "" {
		return state.ModeStandard, nil
	}
	return state.ParseMode(s)
}
