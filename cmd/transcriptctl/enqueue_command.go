package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var background bool

	cmd := &cobra.Command{
		Use:   "enqueue <video>...",
		Short: "Queue videos for GPU transcription",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			priority := store.PriorityInteractive
			if background {
				priority = store.PriorityBackground
			}
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				rows := make([][]string, 0, len(args))
				for _, ref := range args {
					id, err := engine.ParseVideoID(ref)
					if err != nil {
						rows = append(rows, []string{ref, "invalid", ""})
						continue
					}
					res, err := st.Enqueue(cmd.Context(), id, priority, cfg.MaxAttempts)
					if err != nil {
						return fmt.Errorf("enqueue %s: %w", id, err)
					}
					rows = append(rows, []string{id, string(res.Action), res.JobID})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Video", "Result", "Job"}, rows))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "Queue at background priority (preemptible)")
	return cmd
}
