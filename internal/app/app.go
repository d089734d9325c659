// Package app wires the engine, store and acquisition tiers from configuration.
// Both the MCP server and the operator CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/engine/stt"
	"github.com/anatolykoptev/go_transcript/internal/engine/youtube"
	"github.com/anatolykoptev/go_transcript/internal/pipeline"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// App holds the long-lived components.
type App struct {
	Config   engine.Config
	Store    store.Store
	Cache    *engine.TranscriptCache
	YouTube  *youtube.Client
	STT      *stt.Cascade
	Pipeline *pipeline.Pipeline
}

// New installs c as the engine configuration and opens every component.
// The browser client is optional; its failure degrades page scrapes to plain HTTP.
func New(ctx context.Context, c engine.Config) (*App, error) {
	if c.BrowserClient == nil {
		bc, err := engine.NewBrowserClient(int(c.PageTimeout.Seconds()), c.WebshareAPIKey)
		if err != nil {
			slog.Warn("stealth client init failed", slog.Any("error", err))
		} else {
			c.BrowserClient = bc
			slog.Info("stealth browser client initialized")
		}
	}
	engine.Init(c)

	st, err := store.Open(ctx, c.DatabaseURL, c.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cache := engine.NewTranscriptCache(st, c.RedisURL, c.CacheTTL, c.CacheMaxEntries, c.CacheCleanupInterval)

	yt := youtube.New(youtube.Options{
		HTTPClient:    c.HTTPClient,
		Browser:       c.BrowserClient,
		HostRPS:       c.HostRPS,
		PageTimeout:   c.PageTimeout,
		AudioMaxBytes: c.AudioMaxBytes,
		YTDLPPath:     c.YTDLPPath,
		SessionToken:  c.SessionToken,
	})

	cascade := stt.NewCascade(yt, c.ProviderTimeout,
		stt.NewOpenAI(c.OpenAIAPIKey, c.OpenAIBaseURL, c.OpenAISTTModel, c.HTTPClient),
		stt.NewCloudflare(c.CloudflareAccountID, c.CloudflareAPIToken, c.CloudflareSTTModel, c.HTTPClient),
	)
	if !cascade.Available() {
		slog.Info("no speech-to-text provider configured, misses go straight to the queue")
	}

	hook := pipeline.NewHook(c.KnowledgeHookURL, c.HTTPClient)

	return &App{
		Config:   c,
		Store:    st,
		Cache:    cache,
		YouTube:  yt,
		STT:      cascade,
		Pipeline: pipeline.New(yt, cascade, st, cache, hook, c.MaxAttempts),
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}
