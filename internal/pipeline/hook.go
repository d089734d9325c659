package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

const hookTimeout = 10 * time.Second

// Hook notifies the knowledge-extraction service after a successful acquisition.
// Delivery is fire-and-forget; failures are logged only.
type Hook struct {
	url  string
	hc   *http.Client
	sent func() // test observer
}

// NewHook returns nil for an empty url, which disables notifications.
func NewHook(url string, hc *http.Client) *Hook {
	if url == "" {
		return nil
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Hook{url: url, hc: hc}
}

type hookPayload struct {
	VideoID      string        `json:"videoId"`
	Source       engine.Source `json:"source"`
	SegmentCount int           `json:"segmentCount"`
}

// Fire posts in the background and returns immediately.
func (h *Hook) Fire(videoID string, source engine.Source, segmentCount int) {
	if h == nil {
		return
	}
	body, err := json.Marshal(hookPayload{VideoID: videoID, Source: source, SegmentCount: segmentCount})
	if err != nil {
		return
	}
	go func() {
		if h.sent != nil {
			defer h.sent()
		}
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.hc.Do(req)
		if err != nil {
			slog.Debug("knowledge hook failed", slog.String("video", videoID), slog.Any("error", err))
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			slog.Debug("knowledge hook rejected", slog.String("video", videoID), slog.Int("status", resp.StatusCode))
		}
	}()
}
