// Package gpu is the client for the self-hosted WhisperX transcription service.
package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// ServiceName is the key the service registers itself under in service_registry.
const ServiceName = "whisperx"

// ErrBusy means the service is already transcribing and refused the job (HTTP 503).
var ErrBusy = errors.New("gpu service busy")

// Client talks to one GPU service instance.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New returns a client. timeout bounds each request end to end; progressive
// calls on long audio can take most of an hour.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// Request starts a progressive transcription. The service heartbeats the job
// and upserts partial segments while it runs.
type Request struct {
	VideoID  string `json:"video_id"`
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
}

// Result is the final segment set.
type Result struct {
	Segments     []engine.TranscriptSegment `json:"segments"`
	Duration     float64                    `json:"duration"`
	SegmentCount int                        `json:"segment_count"`
}

// Health is the GET /health payload.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// Status is the GET /status payload.
type Status struct {
	UptimeSeconds       int        `json:"uptime_seconds"`
	TranscriptionCount  int        `json:"transcription_count"`
	CurrentlyProcessing *string    `json:"currently_processing"`
	GPUMemory           *GPUMemory `json:"gpu_memory"`
}

// GPUMemory is reported only when nvidia-smi is available on the host.
type GPUMemory struct {
	UsedMB  int `json:"used_mb"`
	TotalMB int `json:"total_mb"`
}

// TranscribeProgressive blocks until the service returns the full transcript
// or ctx is cancelled. Cancelling closes the connection; the service may keep
// running until its own lock is released.
func (c *Client) TranscribeProgressive(ctx context.Context, r Request) (*Result, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := c.do(ctx, http.MethodPost, "/transcribe/progressive", body, &res); err != nil {
		return nil, err
	}
	if res.SegmentCount == 0 {
		res.SegmentCount = len(res.Segments)
	}
	return &res, nil
}

// Health checks liveness. Workers call it at startup.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	if h.Status != "ok" {
		return &h, fmt.Errorf("gpu health: status %q", h.Status)
	}
	return &h, nil
}

// Status reports load and GPU memory.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type errorBody struct {
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.baseURL == "" {
		return errors.New("gpu service url not configured")
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", engine.UserAgentBot)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &engine.NetworkError{Op: "gpu " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", ErrBusy, readDetail(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gpu %s: http %d: %s", path, resp.StatusCode, readDetail(resp.Body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &engine.ParseError{Format: "gpu " + path, Err: err}
	}
	return nil
}

func readDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 2048))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Detail != "" {
		return eb.Detail
	}
	return engine.TruncateRunes(strings.TrimSpace(string(data)), 200, "...")
}
