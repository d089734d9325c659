package worker

import (
	"context"
	"log/slog"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// fillIdle enqueues untranscribed uploads from the configured channels at
// background priority. It runs at most once per cooldown and only after no
// interactive job has been seen for a cooldown.
func (w *Worker) fillIdle(ctx context.Context) int {
	if w.discover == nil || len(w.opts.Channels) == 0 {
		return 0
	}
	now := w.now()
	w.mu.Lock()
	if now.Sub(w.lastWork) < w.opts.IdleCooldown || now.Sub(w.lastFill) < w.opts.IdleCooldown {
		w.mu.Unlock()
		return 0
	}
	w.lastFill = now
	w.mu.Unlock()

	queued := 0
	for _, channel := range w.opts.Channels {
		ids, err := w.discover.ChannelVideos(ctx, channel)
		if err != nil {
			w.logger.Warn("idle: channel feed failed", slog.String("channel", channel), slog.Any("error", err))
			continue
		}
		for _, id := range ids {
			if queued >= w.opts.IdleBatch {
				return queued
			}
			if !w.wanted(ctx, id) {
				continue
			}
			res, err := w.queue.Enqueue(ctx, id, store.PriorityBackground, w.opts.MaxAttempts)
			if err != nil {
				w.logger.Warn("idle: enqueue failed", slog.String("video", id), slog.Any("error", err))
				continue
			}
			if res.Action == store.ActionQueued {
				engine.IncrQueueEnqueues()
				queued++
				w.logger.Info("idle: enqueued", slog.String("video", id), slog.String("channel", channel))
			}
		}
	}
	return queued
}

// wanted skips videos that are cached, already queued, or out of retries.
func (w *Worker) wanted(ctx context.Context, videoID string) bool {
	if _, ok := w.cache.Get(ctx, videoID); ok {
		return false
	}
	job, err := w.queue.LatestJob(ctx, videoID)
	if err != nil {
		w.logger.Debug("idle: latest job lookup failed", slog.String("video", videoID), slog.Any("error", err))
		return false
	}
	if job == nil {
		return true
	}
	return job.Status.Terminal() && !job.Exhausted()
}
