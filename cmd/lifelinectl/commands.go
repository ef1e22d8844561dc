package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/lifeline/internal/alertapi"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

func listCmd(opts *options) *cobra.Command {
	var (
		statuses    []string
		minSeverity string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, soonest escalation deadline first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			alerts, err := opts.client().List(cmd.Context(), statuses, minSeverity, limit)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), alerts)
			}
			return writeAlertTable(cmd.OutOrStdout(), alerts)
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable or comma separated)")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only alerts at or above this severity")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (0 = all)")
	return cmd
}

func getCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <alert-id>",
		Short: "Show one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), a)
			}
			return writeAlert(cmd.OutOrStdout(), a)
		},
	}
}

func auditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <alert-id>",
		Short: "Show an alert's audit trail and verify its hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), resp)
			}
			return writeAudit(cmd.OutOrStdout(), resp)
		},
	}
}

// actorCommand builds claim/ack style commands that only need an actor.
func actorCommand(opts *options, use, short, endpoint string) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().Command(cmd.Context(), args[0], endpoint, map[string]string{"responder_id": actor})
			if err != nil {
				return err
			}
			return opts.printResult(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVarP(&actor, "as", "a", "", "Acting responder id")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

func claimCmd(opts *options) *cobra.Command {
	return actorCommand(opts, "claim", "Claim an unowned or escalated alert", "claim")
}

func ackCmd(opts *options) *cobra.Command {
	return actorCommand(opts, "ack", "Acknowledge an alert you claimed", "acknowledge")
}

func noteCommand(opts *options, use, short, endpoint string, noteRequired bool) *cobra.Command {
	var actor, note string
	cmd := &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.client().Command(cmd.Context(), args[0], endpoint, map[string]string{"responder_id": actor, "note": note})
			if err != nil {
				return err
			}
			return opts.printResult(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVarP(&actor, "as", "a", "", "Acting responder or reviewer id")
	cmd.Flags().StringVarP(&note, "note", "m", "", "Resolution or review note")
	_ = cmd.MarkFlagRequired("as")
	if noteRequired {
		_ = cmd.MarkFlagRequired("note")
	}
	return cmd
}

func resolveCmd(opts *options) *cobra.Command {
	return noteCommand(opts, "resolve", "Resolve an alert assigned to you", "resolve", true)
}

func closeCmd(opts *options) *cobra.Command {
	return noteCommand(opts, "close", "Close a resolved alert after review", "close", false)
}

func overrideCmd(opts *options) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "override <alert-id> <severity>",
		Short: "Set an alert's severity as a supervisor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := triage.ParseSeverity(args[1]); err != nil {
				return err
			}
			a, err := opts.client().Command(cmd.Context(), args[0], "override-severity", map[string]string{
				"supervisor_id": actor,
				"level":         args[1],
				"reason":        reason,
			})
			if err != nil {
				return err
			}
			return opts.printResult(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVarP(&actor, "as", "a", "", "Acting supervisor id")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Why the severity is being changed")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (o *options) printResult(w io.Writer, a *triage.Alert) error {
	if o.json {
		return writeJSON(w, a)
	}
	_, err := fmt.Fprintf(w, "%s %s severity=%s version=%d\n", a.ID, a.Status, a.Severity, a.Version)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeAlertTable(w io.Writer, alerts []*triage.Alert) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tSTATUS\tASSIGNEE\tDEADLINE\tSUBJECT")
	for _, a := range alerts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Severity, a.Status, dash(a.Assignee), deadline(a), a.SubjectRef)
	}
	return tw.Flush()
}

func writeAlert(w io.Writer, a *triage.Alert) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", a.ID)
	fmt.Fprintf(tw, "Subject:\t%s\n", a.SubjectRef)
	fmt.Fprintf(tw, "Severity:\t%s\n", a.Severity)
	fmt.Fprintf(tw, "Status:\t%s\n", a.Status)
	fmt.Fprintf(tw, "Assignee:\t%s\n", dash(a.Assignee))
	fmt.Fprintf(tw, "Deadline:\t%s\n", deadline(a))
	fmt.Fprintf(tw, "Created:\t%s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Version:\t%d\n", a.Version)
	fmt.Fprintf(tw, "Excerpt:\t%s\n", a.TriggerExcerpt)
	if a.ResolutionNote != "" {
		fmt.Fprintf(tw, "Resolution:\t%s (by %s)\n", a.ResolutionNote, dash(a.ResolvedBy))
	}
	return tw.Flush()
}

func writeAudit(w io.Writer, resp *alertapi.AuditResponse) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tFROM\tTO\tTRIGGER\tSEVERITY\tACTOR\tREASON")
	for _, e := range resp.Entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), dash(string(e.FromStatus)), e.ToStatus,
			e.Trigger, e.Severity, e.Actor, e.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if resp.Verified {
		_, err := fmt.Fprintln(w, "chain: verified")
		return err
	}
	_, err := fmt.Fprintf(w, "chain: FAILED (%s)\n", resp.VerifyError)
	return err
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func deadline(a *triage.Alert) string {
	if a.EscalationDeadline == nil {
		return "-"
	}
	return a.EscalationDeadline.Format(time.RFC3339)
}
