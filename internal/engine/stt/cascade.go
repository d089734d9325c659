package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/engine/transcript"
)

// Cascade tries each available provider in order. Audio is fetched at most
// once, on the first provider that needs it.
type Cascade struct {
	providers []Provider
	audio     AudioSource
	timeout   time.Duration
}

// NewCascade orders providers by preference. timeout bounds each provider call.
func NewCascade(audio AudioSource, timeout time.Duration, providers ...Provider) *Cascade {
	return &Cascade{providers: providers, audio: audio, timeout: timeout}
}

// Available reports whether any provider is configured.
func (c *Cascade) Available() bool {
	for _, p := range c.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

// Run returns the first non-empty normalized result. ErrSttExhausted means the
// caller should fall back to queued GPU transcription.
func (c *Cascade) Run(ctx context.Context, videoID string) (*Result, error) {
	var (
		audio []byte
		errs  []error
	)
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		if audio == nil {
			data, err := c.audio.AcquireAudio(ctx, videoID)
			if err != nil {
				slog.Info("stt: no audio, skipping providers", slog.String("id", videoID), slog.Any("error", err))
				return nil, fmt.Errorf("%w: %w", engine.ErrSttExhausted, err)
			}
			audio = data
		}

		segs, err := c.transcribe(ctx, p, audio)
		if err == nil && len(segs) == 0 {
			err = errors.New("empty result")
		}
		if err != nil {
			engine.IncrSTT(false)
			slog.Warn("stt: provider failed", slog.String("id", videoID),
				slog.String("provider", string(p.Name())), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		engine.IncrSTT(true)
		slog.Info("stt: transcribed", slog.String("id", videoID),
			slog.String("provider", string(p.Name())), slog.Int("segments", len(segs)))
		return &Result{Segments: segs, Source: p.Name()}, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", engine.ErrSttExhausted)
	}
	return nil, fmt.Errorf("%w: %w", engine.ErrSttExhausted, errors.Join(errs...))
}

func (c *Cascade) transcribe(ctx context.Context, p Provider, audio []byte) ([]engine.TranscriptSegment, error) {
	ctx, cancel := engine.WithStageTimeout(ctx, c.timeout)
	defer cancel()
	segs, err := p.Transcribe(ctx, audio)
	if err != nil {
		return nil, err
	}
	return transcript.Normalize(segs), nil
}
