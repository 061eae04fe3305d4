package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/stackup/internal/backup"
	"github.com/loykin/stackup/internal/orchestrator"
	"github.com/loykin/stackup/internal/upgrade"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func printPlan(w io.Writer, p *orchestrator.Plan) {
	if len(p.Phases) == 0 {
		_, _ = fmt.Fprintln(w, "no components configured")
		return
	}
	for i, ph := range p.Phases {
		if i > 0 {
			_, _ = fmt.Fprintln(w)
		}
		_, _ = fmt.Fprintf(w, "Phase %d (%s)\n", int(ph.Phase), ph.Name)
		tw := newTable(w)
		_, _ = fmt.Fprintln(tw, "NAME\tRISK\tINSTALLED\tTARGET\tLATEST\tCHANGE\tACTION\tSTATUS")
		for _, it := range ph.Items {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				it.Name, it.Risk, it.Installed, it.Target, orDash(it.Latest),
				orDash(string(it.Change)), it.Action, it.Status)
		}
		_ = tw.Flush()
	}
	_, _ = fmt.Fprintf(w, "\n%d component(s) to change\n", p.Actionable())
}

func printStatus(w io.Writer, r *orchestrator.StatusReport, now time.Time) {
	s := r.Session
	if s.ID == "" {
		_, _ = fmt.Fprintf(w, "Session: none (%s)\n", s.Status)
	} else {
		line := fmt.Sprintf("Session: %s (%s) %s", s.ID, s.Mode, s.Status)
		if s.CurrentPhase != nil {
			line += fmt.Sprintf(", phase %d", *s.CurrentPhase)
		}
		if s.StartedAt != nil {
			line += ", started " + ago(*s.StartedAt, now)
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if r.Resumable {
		_, _ = fmt.Fprintln(w, "Resumable: yes (run 'stackup resume')")
	}
	_, _ = fmt.Fprintln(w)

	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "NAME\tPHASE\tRISK\tVERSION\tTARGET\tSTATUS\tUPDATED\tMESSAGE")
	for _, c := range r.Components {
		name := c.Name
		if !c.Configured {
			name += " (unconfigured)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name, int(c.Phase), c.Risk, orDash(c.Version), orDash(c.Target), c.Status,
			ago(c.UpdatedAt, now), c.Message)
	}
	_ = tw.Flush()

	if len(r.History) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "\nHistory")
	tw = newTable(w)
	_, _ = fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tSTARTED\tCOMPLETED\tFAILED\tSKIPPED")
	for i := len(r.History) - 1; i >= 0; i-- {
		e := r.History[i]
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			e.ID, orDash(e.Mode), e.Status, ago(e.StartedAt, now), e.Completed, e.Failed, e.Skipped)
	}
	_ = tw.Flush()
}

func printVerification(w io.Writer, v *orchestrator.Verification) {
	if v.OK {
		_, _ = fmt.Fprintf(w, "ok: %s\n", v.Path)
	} else {
		_, _ = fmt.Fprintf(w, "invalid: %s\n", v.Path)
		for _, p := range v.Problems {
			_, _ = fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	if len(v.Unknown) > 0 {
		_, _ = fmt.Fprintf(w, "not configured: %s\n", strings.Join(v.Unknown, ", "))
	}
}

func printReport(w io.Writer, r *orchestrator.Report) {
	if r.DryRun {
		_, _ = fmt.Fprintf(w, "Dry run (%s), nothing was changed\n", r.Mode)
	} else {
		_, _ = fmt.Fprintf(w, "Session %s (%s): %s\n", r.SessionID, r.Mode, r.Status)
	}
	if len(r.Results) > 0 {
		tw := newTable(w)
		_, _ = fmt.Fprintln(tw, "COMPONENT\tOUTCOME\tFROM\tTO\tDURATION\tBACKUP")
		for _, res := range r.Results {
			bk := "-"
			if res.Backup != nil {
				bk = res.Backup.ID
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				res.Component, res.Outcome, orDash(res.From), orDash(res.To),
				res.Duration.Round(time.Millisecond), bk)
		}
		_ = tw.Flush()
	}
	for _, res := range r.Results {
		for _, msg := range res.Warnings {
			_, _ = fmt.Fprintf(w, "warning: %s: %s\n", res.Component, msg)
		}
		if res.Err != nil {
			_, _ = fmt.Fprintf(w, "failed: %s: %v\n", res.Component, res.Err)
		}
	}
	if r.Aborted {
		_, _ = fmt.Fprintf(w, "aborted: %s\n", r.AbortReason)
	}
	if !r.DryRun {
		_, _ = fmt.Fprintf(w, "%d completed, %d skipped, %d failed\n",
			r.Count(upgrade.OutcomeCompleted), r.Count(upgrade.OutcomeSkipped), r.Failures())
	}
}

func printRollback(w io.Writer, results []orchestrator.RollbackResult) {
	if len(results) == 0 {
		return
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "COMPONENT\tBACKUP\tVERSION\tRESULT")
	for _, r := range results {
		result := "rolled back"
		if r.Err != nil {
			result = "failed: " + r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Component, orDash(r.Backup), orDash(r.Version), result)
	}
	_ = tw.Flush()
}

func printBackups(w io.Writer, recs []backup.Record, now time.Time) {
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(w, "no backups")
		return
	}
	tw := newTable(w)
	_, _ = fmt.Fprintln(tw, "COMPONENT\tID\tVERSION\tSIZE\tAGE")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Component, r.ID, orDash(r.Manifest.Version), humanize.Bytes(uint64(r.Size)),
			ago(r.Manifest.Timestamp, now))
	}
	_ = tw.Flush()
}

func printPruned(w io.Writer, removed []backup.Record) {
	_, _ = fmt.Fprintf(w, "removed %d record(s)\n", len(removed))
	for _, r := range removed {
		_, _ = fmt.Fprintf(w, "  %s\n", r)
	}
}
