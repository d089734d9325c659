package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_transcript/internal/gpu"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the GPU transcription service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withStore(cmd.Context(), func(st store.Store) error {
				client, err := gpu.Resolve(cmd.Context(), cfg.GPUURL, st, 10*time.Second)
				if err != nil {
					return err
				}
				h, err := client.Health(cmd.Context())
				if err != nil {
					return fmt.Errorf("gpu %s unhealthy: %w", client.BaseURL(), err)
				}
				status, err := client.Status(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, buildHealthRows(client.BaseURL(), h, status)))
				return nil
			})
		},
	}
}

func buildHealthRows(url string, h *gpu.Health, s *gpu.Status) [][]string {
	rows := [][]string{
		{"URL", url},
		{"Status", h.Status},
		{"Model", h.Model},
		{"Uptime", (time.Duration(s.UptimeSeconds) * time.Second).String()},
		{"Transcriptions", strconv.Itoa(s.TranscriptionCount)},
	}
	processing := "idle"
	if s.CurrentlyProcessing != nil {
		processing = *s.CurrentlyProcessing
	}
	rows = append(rows, []string{"Processing", processing})
	if m := s.GPUMemory; m != nil {
		rows = append(rows, []string{"GPU memory", fmt.Sprintf("%d / %d MB", m.UsedMB, m.TotalMB)})
	}
	return rows
}
