// go_transcript is a YouTube transcript MCP server.
//
// Exposes transcript_get, transcript_enqueue, transcript_job and
// transcript_queue_stats as MCP tools, and streams acquisition progress and
// queue changes as server-sent events on HTTP_PORT.
// GPU transcription runs out of process: see cmd/transcriptctl worker.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anatolykoptev/go-mcpserver"
	"github.com/anatolykoptev/go_transcript/internal/app"
	"github.com/anatolykoptev/go_transcript/internal/delivery"
	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/transcriptserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var version = "dev"

func main() {
	cfg := engine.ConfigFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer a.Close()
	go a.Cache.RunCleanup(ctx)

	slog.Info("starting go_transcript",
		slog.String("mcp_port", cfg.MCPPort),
		slog.String("http_port", cfg.HTTPPort),
	)

	streams := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           delivery.NewServer(a.Pipeline, a.Store).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := streams.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("event stream server failed", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = streams.Shutdown(shutdownCtx)
	}()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "go_transcript",
		Version: version,
	}, nil)

	transcriptserver.RegisterTools(server, transcriptserver.NewService(a.Pipeline, a.Store, cfg.MaxAttempts))
	slog.Info("tools registered", slog.Int("count", 4))

	if err := mcpserver.Run(server, mcpserver.Config{
		Name:         "go_transcript",
		Version:      version,
		Port:         cfg.MCPPort,
		WriteTimeout: 600 * time.Second,
		Metrics:      engine.FormatMetrics,
	}); err != nil {
		slog.Error("server failed", slog.Any("error", err))
	}
}
