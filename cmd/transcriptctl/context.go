package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anatolykoptev/go_transcript/internal/app"
	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
	"github.com/anatolykoptev/go_transcript/internal/worker"
)

// commandContext loads configuration once and opens only what a command needs.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     engine.Config
	file       worker.FileConfig
	configErr  error

	store store.Store
	app   *app.App
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (engine.Config, worker.FileConfig, error) {
	c.configOnce.Do(func() {
		c.config = engine.ConfigFromEnv()
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.file, c.configErr = worker.LoadFile(path)
	})
	return c.config, c.file, c.configErr
}

// withStore opens the store without the acquisition stack.
func (c *commandContext) withStore(ctx context.Context, fn func(store.Store) error) error {
	if c.app != nil {
		return fn(c.app.Store)
	}
	if c.store == nil {
		cfg, _, err := c.ensureConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		c.store = st
	}
	return fn(c.store)
}

// withCache opens the store and the transcript cache in front of it.
func (c *commandContext) withCache(ctx context.Context, fn func(store.Store, *engine.TranscriptCache) error) error {
	if c.app != nil {
		return fn(c.app.Store, c.app.Cache)
	}
	return c.withStore(ctx, func(st store.Store) error {
		cfg, _, err := c.ensureConfig()
		if err != nil {
			return err
		}
		return fn(st, engine.NewTranscriptCache(st, cfg.RedisURL, cfg.CacheTTL, cfg.CacheMaxEntries, cfg.CacheCleanupInterval))
	})
}

// withApp opens the full component set.
func (c *commandContext) withApp(ctx context.Context, fn func(*app.App) error) error {
	if c.app == nil {
		cfg, _, err := c.ensureConfig()
		if err != nil {
			return err
		}
		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		c.app = a
	}
	return fn(c.app)
}

func (c *commandContext) close() {
	if c.app != nil {
		_ = c.app.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
}
