package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/ChuLiYu/hackops/internal/config"
	"github.com/ChuLiYu/hackops/internal/transport/grpcqueue"
	"github.com/ChuLiYu/hackops/pkg/types"
	"github.com/spf13/cobra"
)

// staffCall loads the config, dials the server and runs fn with a bounded
// context.
func staffCall(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, cfg *config.Config, c *grpcqueue.Client) error) error {
	cfg, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	client, err := opts.dial(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	return fn(ctx, cfg, client)
}

func buildRecordCommand(opts *rootOptions) *cobra.Command {
	var staff, location string

	cmd := &cobra.Command{
		Use:   "record <participant> <action>",
		Short: "Record an on-site action",
		Long: `Record an on-site action for a participant.
Actions: check_in, check_out, swag, photobooth, lunch, dinner.
swag and photobooth need a check-in and a captured payment; swag,
photobooth, lunch and dinner are recorded once per participant.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType, err := types.ParseActionType(args[1])
			if err != nil {
				return err
			}
			return staffCall(cmd, opts, func(ctx context.Context, _ *config.Config, c *grpcqueue.Client) error {
				rec, err := c.RecordAction(ctx, args[0], actionType, staff, location)
				var dup *types.AlreadyRecordedError
				if errors.As(err, &dup) {
					return fmt.Errorf("%s already recorded for %s at %s by %s (%s)",
						dup.Original.ActionType, dup.Original.ParticipantID,
						dup.Original.RecordedAt.Local().Format(time.DateTime),
						dup.Original.RecordedBy, dup.Original.Location)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s at %s (%s)\n",
					rec.ActionType, rec.ParticipantID, rec.RecordedAt.Local().Format(time.DateTime), rec.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&staff, "staff", "", "staff member recording the action")
	cmd.Flags().StringVar(&location, "location", "", "where the action happened")
	_ = cmd.MarkFlagRequired("staff")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <participant> <photo-reference>",
		Short: "Queue a photo print",
		Long:  "Queue a print of one of the participant's own photos. Each participant gets one print.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return staffCall(cmd, opts, func(ctx context.Context, _ *config.Config, c *grpcqueue.Client) error {
				job, err := c.SubmitPrintJob(ctx, args[0], args[1])
				var printed *types.AlreadyPrintedError
				if errors.As(err, &printed) {
					return fmt.Errorf("%s already has a printed photo (job %s, printed %s)",
						args[0], printed.Job.ID, printed.CompletedAt().Local().Format(time.DateTime))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued print %s for %s\n", job.ID, job.ParticipantID)
				return nil
			})
		},
	}
}

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <participant> <job-id>",
		Short: "Cancel a pending print",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return staffCall(cmd, opts, func(ctx context.Context, _ *config.Config, c *grpcqueue.Client) error {
				job, err := c.CancelPrintJob(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled print %s for %s\n", job.ID, job.ParticipantID)
				return nil
			})
		},
	}
}

func buildHistoryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <participant>",
		Short: "Show a participant's actions and prints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return staffCall(cmd, opts, func(ctx context.Context, _ *config.Config, c *grpcqueue.Client) error {
				actions, err := c.History(ctx, args[0])
				if err != nil {
					return err
				}
				jobs, err := c.ListPrintJobs(ctx, args[0], "")
				if err != nil {
					return err
				}
				printHistory(cmd.OutOrStdout(), args[0], actions, jobs)
				return nil
			})
		},
	}
}

func printHistory(w io.Writer, participantID string, actions []types.ActionRecord, jobs []types.PrintJob) {
	fmt.Fprintf(w, "Participant %s\n\n", participantID)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tWHEN\tSTAFF\tLOCATION")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ActionType, a.RecordedAt.Local().Format(time.DateTime), a.RecordedBy, a.Location)
	}
	tw.Flush()

	if len(jobs) == 0 {
		fmt.Fprintln(w, "\nNo prints")
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(tw, "PRINT\tSTATUS\tATTEMPTS\tPHOTO\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", j.ID, j.Status, j.AttemptCount, j.PhotoReference, j.LastError)
	}
	tw.Flush()
}

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display print job counts, action counts and agent heartbeats from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return staffCall(cmd, opts, func(ctx context.Context, cfg *config.Config, c *grpcqueue.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()

				fmt.Fprintln(w, "Configuration:")
				fmt.Fprintf(w, "  ├─ Config File:   %s\n", opts.configPath)
				fmt.Fprintf(w, "  ├─ Server:        %s\n", opts.serverTarget(cfg))
				fmt.Fprintf(w, "  ├─ Store:         %s (%s)\n", cfg.Store.Driver, cfg.Store.Path)
				fmt.Fprintf(w, "  └─ Print Timeout: %s x %d attempts\n", cfg.Agent.PrintTimeout, cfg.Agent.MaxAttempts)
				fmt.Fprintln(w)

				fmt.Fprintln(w, "Print Jobs:")
				for i, st := range types.JobStatuses {
					fmt.Fprintf(w, "  %s %-10s %d\n", branch(i, len(types.JobStatuses)), st, stats.Jobs[st])
				}
				fmt.Fprintln(w)

				fmt.Fprintln(w, "Actions:")
				for i, at := range types.ActionTypes {
					fmt.Fprintf(w, "  %s %-10s %d\n", branch(i, len(types.ActionTypes)), at, stats.Actions[at])
				}
				fmt.Fprintln(w)

				fmt.Fprintln(w, "Agents:")
				if len(stats.Agents) == 0 {
					fmt.Fprintln(w, "  └─ none reporting")
					return nil
				}
				agents := stats.Agents
				sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
				now := time.Now()
				for i, a := range agents {
					line := fmt.Sprintf("%s %-10s last seen %s ago", a.AgentID, a.State, now.Sub(a.LastSeen).Round(time.Second))
					if a.CurrentJobID != "" {
						line += ", printing " + a.CurrentJobID
					}
					fmt.Fprintf(w, "  %s %s\n", branch(i, len(agents)), line)
				}
				return nil
			})
		},
	}
}

func branch(i, n int) string {
	if i == n-1 {
		return "└─"
	}
	return "├─"
}
