// Package stt runs commercial speech-to-text providers in order of preference.
package stt

import (
	"context"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// Provider is one speech-to-text backend.
type Provider interface {
	Name() engine.Source
	// Available reports whether the provider is configured.
	Available() bool
	Transcribe(ctx context.Context, audio []byte) ([]engine.TranscriptSegment, error)
}

// AudioSource supplies raw audio for a video.
type AudioSource interface {
	AcquireAudio(ctx context.Context, videoID string) ([]byte, error)
}

// Result is a normalized transcript and the provider that produced it.
type Result struct {
	Segments []engine.TranscriptSegment
	Source   engine.Source
}
