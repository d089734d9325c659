package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// TranscriptStore is the persistent tier behind the cache.
type TranscriptStore interface {
	GetTranscript(ctx context.Context, videoID string) (*CachedTranscript, error)
	PutTranscript(ctx context.Context, t CachedTranscript) error
}

// TranscriptCache provides read-through caching keyed by video id:
// L1 in-memory, optional L2 Redis shared between processes, then the persistent store.
// L1 is fast but lost on restart. The store is the source of truth.
type TranscriptCache struct {
	l1              sync.Map      // videoID → *cacheEntry
	rdb             *redis.Client // nil if Redis unavailable
	store           TranscriptStore
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	now             func() time.Time
}

// Cache metrics, atomic for concurrent access.
var (
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
)

type cacheEntry struct {
	t         *CachedTranscript
	expiresAt time.Time
}

// NewTranscriptCache sets up the tiered cache. redisURL can be empty to disable L2.
// ttl is the retention window applied to newly written transcripts.
func NewTranscriptCache(store TranscriptStore, redisURL string, ttl time.Duration, maxEntries int, cleanupInterval time.Duration) *TranscriptCache {
	c := &TranscriptCache{
		store:           store,
		ttl:             ttl,
		maxEntries:      maxEntries,
		cleanupInterval: cleanupInterval,
		now:             time.Now,
	}

	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			slog.Warn("cache: invalid redis URL, L2 disabled", slog.Any("error", err))
		} else {
			rdb := redis.NewClient(opts)
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				slog.Warn("cache: redis unreachable, L2 disabled", slog.Any("error", err))
			} else {
				c.rdb = rdb
				slog.Info("cache: L2 redis connected", slog.String("addr", opts.Addr))
			}
		}
	}

	slog.Info("cache: initialized", slog.Duration("ttl", ttl), slog.Bool("redis", c.rdb != nil), slog.Int("max_entries", maxEntries))
	return c
}

// TTL returns the retention window.
func (c *TranscriptCache) TTL() time.Duration { return c.ttl }

func redisKey(videoID string) string { return "tr:" + videoID }

// Get tries L1, then L2, then the store. Lower-tier hits populate the tiers above.
func (c *TranscriptCache) Get(ctx context.Context, videoID string) (*CachedTranscript, bool) {
	now := c.now()

	if val, ok := c.l1.Load(videoID); ok {
		entry := val.(*cacheEntry)
		if now.Before(entry.expiresAt) {
			slog.Debug("cache: L1 hit", slog.String("video", videoID))
			cacheHits.Add(1)
			return entry.t, true
		}
		c.l1.Delete(videoID) // expired
	}

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, redisKey(videoID)).Bytes()
		if err == nil {
			var t CachedTranscript
			if json.Unmarshal(data, &t) == nil && !t.Expired(now) {
				slog.Debug("cache: L2 hit", slog.String("video", videoID))
				cacheHits.Add(1)
				c.storeL1(&t)
				return &t, true
			}
		}
	}

	if c.store != nil {
		t, err := c.store.GetTranscript(ctx, videoID)
		if err != nil {
			slog.Warn("cache: store read failed", slog.String("video", videoID), slog.Any("error", err))
		} else if t != nil && !t.Expired(now) {
			slog.Debug("cache: store hit", slog.String("video", videoID))
			cacheHits.Add(1)
			c.storeL1(t)
			c.storeL2(ctx, t)
			return t, true
		}
	}

	cacheMisses.Add(1)
	return nil, false
}

// Set writes through all tiers, overwriting any previous transcript for the video.
// FetchedAt and ExpiresAt are stamped when unset.
func (c *TranscriptCache) Set(ctx context.Context, t CachedTranscript) (*CachedTranscript, error) {
	now := c.now()
	if t.FetchedAt.IsZero() {
		t.FetchedAt = now
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = t.FetchedAt.Add(c.ttl)
	}

	if c.store != nil {
		if err := c.store.PutTranscript(ctx, t); err != nil {
			return nil, fmt.Errorf("persist transcript: %w", err)
		}
	}
	c.storeL1(&t)
	c.storeL2(ctx, &t)
	return &t, nil
}

// Forget drops a video from the in-process and shared tiers.
func (c *TranscriptCache) Forget(ctx context.Context, videoID string) {
	c.l1.Delete(videoID)
	if c.rdb != nil {
		if err := c.rdb.Del(ctx, redisKey(videoID)).Err(); err != nil {
			slog.Debug("cache: L2 delete failed", slog.Any("error", err))
		}
	}
}

func (c *TranscriptCache) storeL1(t *CachedTranscript) {
	c.evictIfNeeded()
	c.l1.Store(t.VideoID, &cacheEntry{t: t, expiresAt: t.ExpiresAt})
}

func (c *TranscriptCache) storeL2(ctx context.Context, t *CachedTranscript) {
	if c.rdb == nil {
		return
	}
	ttl := t.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(t.VideoID), data, ttl).Err(); err != nil {
		slog.Debug("cache: L2 set failed", slog.Any("error", err))
	}
}

// CacheStats returns current cache hit/miss counters.
func CacheStats() (hits, misses int64) {
	return cacheHits.Load(), cacheMisses.Load()
}

// evictIfNeeded removes entries when L1 exceeds maxEntries.
// Removes expired entries first, then the entries closest to expiry.
func (c *TranscriptCache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}

	count := 0
	c.l1.Range(func(_, _ any) bool {
		count++
		return true
	})
	if count < c.maxEntries {
		return
	}

	now := c.now()
	c.l1.Range(func(key, val any) bool {
		if entry, ok := val.(*cacheEntry); ok && !now.Before(entry.expiresAt) {
			c.l1.Delete(key)
			count--
		}
		return count >= c.maxEntries
	})

	for count >= c.maxEntries {
		var oldestKey any
		var oldestAt time.Time
		c.l1.Range(func(key, val any) bool {
			if entry, ok := val.(*cacheEntry); ok {
				if oldestKey == nil || entry.expiresAt.Before(oldestAt) {
					oldestKey = key
					oldestAt = entry.expiresAt
				}
			}
			return true
		})
		if oldestKey == nil {
			break
		}
		c.l1.Delete(oldestKey)
		count--
	}
}

// RunCleanup periodically removes expired L1 entries until ctx is done.
func (c *TranscriptCache) RunCleanup(ctx context.Context) {
	interval := c.cleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := c.now()
			c.l1.Range(func(key, val any) bool {
				if entry, ok := val.(*cacheEntry); ok && !now.Before(entry.expiresAt) {
					c.l1.Delete(key)
				}
				return true
			})
		}
	}
}
