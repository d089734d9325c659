// Package delivery pushes acquisition progress and queue changes to callers
// as server-sent events.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/pipeline"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// EventJob carries a queue row snapshot on the job stream.
const EventJob = "job"

const defaultKeepAlive = 15 * time.Second

// Acquirer runs the acquisition pipeline.
type Acquirer interface {
	Acquire(ctx context.Context, ref string, emit pipeline.Emitter) (*pipeline.Outcome, error)
}

// JobWatcher follows one queue row.
type JobWatcher interface {
	Subscribe(ctx context.Context, jobID string) (<-chan store.Job, error)
}

// Server serves the event streams.
type Server struct {
	acq       Acquirer
	jobs      JobWatcher
	keepAlive time.Duration
}

// NewServer builds the stream handlers.
func NewServer(acq Acquirer, jobs JobWatcher) *Server {
	return &Server{acq: acq, jobs: jobs, keepAlive: defaultKeepAlive}
}

// Handler routes:
//
//	GET /transcript/stream?v=<id or url>
//	GET /queue/stream?job=<job id>
//	GET /healthz
//	GET /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /transcript/stream", s.handleTranscript)
	mux.HandleFunc("GET /queue/stream", s.handleQueue)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, engine.FormatMetrics())
	})
	return mux
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("v")
	if ref == "" {
		http.Error(w, "missing v parameter", http.StatusBadRequest)
		return
	}
	sw, ok := newStream(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()
	stop := sw.keepAlive(ctx, s.keepAlive)
	defer stop()

	_, err := s.acq.Acquire(ctx, ref, func(e pipeline.Event) {
		sw.send(string(e.Kind), e.Data)
	})
	if err != nil && ctx.Err() == nil {
		slog.Debug("delivery: acquisition ended with error", slog.String("ref", ref), slog.Any("error", err))
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job")
	if jobID == "" {
		http.Error(w, "missing job parameter", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	updates, err := s.jobs.Subscribe(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Warn("delivery: subscribe failed", slog.String("job", jobID), slog.Any("error", err))
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	sw, ok := newStream(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	stop := sw.keepAlive(ctx, s.keepAlive)
	defer stop()

	for job := range updates {
		sw.send(EventJob, job)
	}
}

// stream serializes writes from the handler and the keep-alive ticker.
type stream struct {
	mu sync.Mutex
	w  http.ResponseWriter
	f  http.Flusher
}

func newStream(w http.ResponseWriter) (*stream, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &stream{w: w, f: f}, true
}

func (s *stream) send(event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		slog.Warn("delivery: encode event", slog.String("event", event), slog.Any("error", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload)
	s.f.Flush()
}

func (s *stream) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.f.Flush()
}

// keepAlive writes comments until ctx ends or stop is called. stop waits for
// the ticker goroutine so no write races the handler's return.
func (s *stream) keepAlive(ctx context.Context, every time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.comment("keep-alive")
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
