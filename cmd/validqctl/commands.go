package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/validq/internal/client"
	"github.com/linnemanlabs/validq/internal/episode"
)

func newSweepCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Escalate every episode that has waited past its SLA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := cc.client()
			if err != nil {
				return err
			}
			res, err := c.Sweep(cmd.Context())
			if res == nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.jsonOutput() {
				if werr := writeJSON(out, res); werr != nil {
					return werr
				}
				return err
			}

			var rows [][]string
			for _, u := range episode.UrgencyLevels() {
				rr, ok := res.PerRule[u]
				if !ok {
					continue
				}
				rows = append(rows, []string{u.String(), itoa(rr.Overdue), itoa(rr.Escalated), itoa(rr.Skipped), itoa(rr.Failed), orDash(rr.Error)})
			}
			rows = append(rows, []string{"TOTAL", "", itoa(res.Escalated), itoa(res.Skipped), itoa(res.Failed), ""})
			fmt.Fprint(out, renderTable(
				[]string{"Rule", "Overdue", "Escalated", "Skipped", "Failed", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
			))
			for _, e := range res.Errors {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", e)
			}
			return err
		},
	}
}

func newUnavailableCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unavailable SUPERVISOR_ID",
		Short: "Move a supervisor's pending episodes to backups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cc.client()
			if err != nil {
				return err
			}
			res, err := c.Unavailable(cmd.Context(), args[0])
			if res == nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cc.jsonOutput() {
				if werr := writeJSON(out, res); werr != nil {
					return werr
				}
				return err
			}
			fmt.Fprintf(out, "supervisor %s: %d reassigned, %d escalated, %d skipped, %d failed\n",
				res.SupervisorID, res.Reassigned, res.Escalated, res.Skipped, res.Failed)
			return err
		},
	}
}

func newQueueCommand(cc *commandContext) *cobra.Command {
	var (
		supervisor string
		urgency    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending episodes in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := client.QueueOptions{Supervisor: supervisor, Limit: limit}
			if urgency != "" {
				opts.Urgency = episode.ParseUrgency(urgency)
				if !opts.Urgency.IsKnown() {
					return fmt.Errorf("unknown urgency %q (want one of %s)", urgency, urgencyNames())
				}
			}
			if limit < 0 {
				return errors.New("--limit must not be negative")
			}

			c, err := cc.client()
			if err != nil {
				return err
			}
			res, err := c.Queue(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.jsonOutput() {
				return writeJSON(out, res)
			}
			if len(res.Queue) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(res.Queue))
			for i, it := range res.Queue {
				rows = append(rows, []string{
					itoa(i + 1),
					it.EpisodeID,
					it.Urgency.String(),
					orDash(it.AssignedSupervisor),
					formatWait(it.WaitSeconds),
				})
			}
			fmt.Fprint(out, renderTable(
				[]string{"#", "Episode", "Urgency", "Supervisor", "Waiting"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight},
			))
			if res.TotalItems > len(res.Queue) {
				fmt.Fprintf(out, "showing %d of %d\n", len(res.Queue), res.TotalItems)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "only episodes assigned to this supervisor")
	cmd.Flags().StringVar(&urgency, "urgency", "", "only this urgency tier ("+urgencyNames()+")")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to return (0 for all)")
	return cmd
}

func newStatsCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise the pending queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := cc.client()
			if err != nil {
				return err
			}
			res, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.jsonOutput() {
				return writeJSON(out, res)
			}
			rows := make([][]string, 0, len(res.ByUrgency)+1)
			for _, u := range episode.UrgencyLevels() {
				rows = append(rows, []string{u.String(), itoa(res.ByUrgency[u])})
			}
			rows = append(rows, []string{"TOTAL", itoa(res.TotalItems)})
			fmt.Fprint(out, renderTable([]string{"Urgency", "Pending"}, rows, []columnAlignment{alignLeft, alignRight}))
			fmt.Fprintf(out, "average wait %s, oldest %s\n",
				formatWait(res.AverageWaitSeconds), formatWait(res.OldestWaitSeconds))
			return nil
		},
	}
}

func newStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status EPISODE_ID",
		Short: "Show the validation state of one episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cc.client()
			if err != nil {
				return err
			}
			res, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if cc.jsonOutput() {
				return writeJSON(out, res)
			}
			rows := [][]string{
				{"Episode", res.EpisodeID},
				{"Urgency", res.Urgency.String()},
				{"Status", string(res.Status)},
				{"Validation", orDash(string(res.ValidationStatus))},
				{"Supervisor", orDash(res.AssignedSupervisor)},
			}
			if res.QueuePosition > 0 {
				rows = append(rows,
					[]string{"Position", itoa(res.QueuePosition)},
					[]string{"Est. wait", formatWait(res.EstimatedWaitSeconds)},
				)
			}
			if v := res.Validation; v != nil {
				decision := "approved"
				if !v.Approved {
					decision = "overridden: " + v.OverrideReason
				}
				rows = append(rows, []string{"Decision", decision + " by " + v.SupervisorID})
			}
			if e := res.EscalationInfo; e != nil {
				rows = append(rows, []string{"Escalation", fmt.Sprintf("%s (%s)", e.Outcome, e.Reason)})
			}
			fmt.Fprint(out, renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func urgencyNames() string {
	levels := episode.UrgencyLevels()
	names := make([]string, len(levels))
	for i, u := range levels {
		names[i] = u.String()
	}
	return strings.Join(names, ", ")
}
