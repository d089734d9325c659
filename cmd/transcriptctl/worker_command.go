package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/anatolykoptev/go_transcript/internal/app"
	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/gpu"
	"github.com/anatolykoptev/go_transcript/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		workerID string
		lockPath string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the queue into the GPU transcription service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, file, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts, err := workerOptions(cfg, file, workerID)
			if err != nil {
				return err
			}
			release, err := worker.AcquireLock(lockPath)
			if err != nil {
				return err
			}
			defer release()

			return ctx.withApp(cmd.Context(), func(a *app.App) error {
				client, err := gpu.Resolve(cmd.Context(), cfg.GPUURL, a.Store, cfg.GPUTimeout)
				if err != nil {
					return fmt.Errorf("gpu service: %w (set GPU_URL or start the service so it registers)", err)
				}
				if h, err := client.Health(cmd.Context()); err != nil {
					slog.Warn("gpu health check failed, starting anyway",
						slog.String("url", client.BaseURL()), slog.Any("error", err))
				} else {
					slog.Info("gpu service ready", slog.String("url", client.BaseURL()), slog.String("model", h.Model))
				}
				return worker.New(a.Store, client, a.Cache, a.YouTube, opts).Run(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "", "Worker id (default: hostname plus a random suffix)")
	cmd.Flags().StringVar(&lockPath, "lock", worker.DefaultLockPath(), "Host lock file; empty disables the single-worker check")
	return cmd
}

// workerOptions layers the flag over the TOML file over the environment.
func workerOptions(cfg engine.Config, file worker.FileConfig, flagID string) (worker.Options, error) {
	opts := worker.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LeaseTimeout:      cfg.LeaseTimeout,
		GPUTimeout:        cfg.GPUTimeout,
		MaxAttempts:       cfg.MaxAttempts,
		IdleCooldown:      cfg.IdleCooldown,
	}
	if err := file.Apply(&opts); err != nil {
		return opts, err
	}
	if flagID != "" {
		opts.WorkerID = flagID
	}
	if opts.WorkerID == "" {
		opts.WorkerID = worker.DefaultWorkerID()
	}
	return opts, nil
}
