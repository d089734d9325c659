package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the transcription queue",
	}

	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))

	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				stats, err := st.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := buildStatsRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, 2))
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var (
		statuses []string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				jobs, err := st.ListJobs(cmd.Context(), store.ListFilter{Statuses: filter, Limit: limit})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Video", "Priority", "Status", "Progress", "Attempts", "Worker", "Updated"},
					buildJobRows(jobs, time.Now()),
					5, 6,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum jobs to show")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				j, err := st.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, describeJob(j)))
				return nil
			})
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>...",
		Short: "Reset failed jobs to pending with a fresh attempt budget",
		Long:  "Reset failed jobs to pending with a fresh attempt budget. Any shared cache entry for the job's video is dropped so servers pick up the new transcript.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withCache(cmd.Context(), func(st store.Store, cache *engine.TranscriptCache) error {
				rows := make([][]string, 0, len(args))
				for _, id := range args {
					outcome := "reset"
					j, err := st.Retry(cmd.Context(), id)
					switch {
					case errors.Is(err, store.ErrJobNotFound):
						outcome = "not found or not failed"
					case err != nil:
						return err
					default:
						cache.Forget(cmd.Context(), j.VideoID)
					}
					rows = append(rows, []string{id, outcome})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Job", "Outcome"}, rows))
				return nil
			})
		},
	}
}

func parseStatuses(raw []string) ([]store.Status, error) {
	var out []store.Status
	for _, r := range raw {
		s := store.Status(strings.ToLower(strings.TrimSpace(r)))
		if !slices.Contains(store.AllStatuses, s) {
			return nil, fmt.Errorf("unknown status %q", r)
		}
		out = append(out, s)
	}
	return out, nil
}

func buildStatsRows(stats store.Stats) [][]string {
	var rows [][]string
	for _, s := range store.AllStatuses {
		if n := stats[s]; n > 0 {
			rows = append(rows, []string{string(s), strconv.Itoa(n)})
		}
	}
	return rows
}

func buildJobRows(jobs []store.Job, now time.Time) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, []string{
			shortID(j.ID),
			j.VideoID,
			j.Priority.String(),
			string(j.Status),
			fmt.Sprintf("%d%%", j.ProgressPct),
			fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts),
			j.WorkerID,
			ago(now, j.UpdatedAt),
		})
	}
	return rows
}

func describeJob(j *store.Job) [][]string {
	rows := [][]string{
		{"ID", j.ID},
		{"Video", j.VideoID},
		{"Priority", j.Priority.String()},
		{"Status", string(j.Status)},
		{"Progress", fmt.Sprintf("%d%% (%d segments)", j.ProgressPct, j.SegmentsWritten)},
		{"Attempts", fmt.Sprintf("%d/%d", j.AttemptCount, j.MaxAttempts)},
		{"Created", j.CreatedAt.Format(time.RFC3339)},
		{"Updated", j.UpdatedAt.Format(time.RFC3339)},
	}
	if j.WorkerID != "" {
		rows = append(rows, []string{"Worker", j.WorkerID})
	}
	if j.HeartbeatAt != nil {
		rows = append(rows, []string{"Heartbeat", j.HeartbeatAt.Format(time.RFC3339)})
	}
	if j.ErrorMessage != "" {
		rows = append(rows, []string{"Error", engine.TruncateRunes(j.ErrorMessage, 120, "...")})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
