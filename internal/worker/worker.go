// Package worker drains the transcription queue into the GPU service.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/engine/transcript"
	"github.com/anatolykoptev/go_transcript/internal/gpu"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// Queue is the subset of the store the worker mutates.
type Queue interface {
	Enqueue(ctx context.Context, videoID string, priority store.Priority, maxAttempts int) (store.EnqueueResult, error)
	Claim(ctx context.Context, workerID string, lease time.Duration) (*store.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string, u store.HeartbeatUpdate) (bool, error)
	Complete(ctx context.Context, jobID, workerID string, segmentsWritten int) error
	Fail(ctx context.Context, jobID, workerID, message string, preempted bool) (*store.Job, error)
	ShouldPreempt(ctx context.Context, priority store.Priority) (bool, error)
	LatestJob(ctx context.Context, videoID string) (*store.Job, error)
}

// Transcriber runs one progressive transcription.
type Transcriber interface {
	TranscribeProgressive(ctx context.Context, r gpu.Request) (*gpu.Result, error)
}

// Cache receives the finished transcript.
type Cache interface {
	Get(ctx context.Context, videoID string) (*engine.CachedTranscript, bool)
	Set(ctx context.Context, t engine.CachedTranscript) (*engine.CachedTranscript, error)
}

// Discoverer lists recent uploads for the idle filler.
type Discoverer interface {
	ChannelVideos(ctx context.Context, channelID string) ([]string, error)
}

// Options tune one worker process.
type Options struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	GPUTimeout        time.Duration
	MaxAttempts       int
	PollInterval      time.Duration // wait after an empty claim
	MaxBackoff        time.Duration // ceiling between failed iterations
	IdleCooldown      time.Duration
	IdleBatch         int
	Channels          []string
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	if o.GPUTimeout <= 0 {
		o.GPUTimeout = time.Hour
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.IdleCooldown <= 0 {
		o.IdleCooldown = 30 * time.Second
	}
	if o.IdleBatch <= 0 {
		o.IdleBatch = 5
	}
}

// maxErrorRunes caps the error text written to the queue row.
const maxErrorRunes = 500

var errPreempted = errors.New("preempted by higher-priority job")

// Worker claims one job at a time. Several workers may share a queue.
type Worker struct {
	queue    Queue
	gpu      Transcriber
	cache    Cache
	discover Discoverer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastWork time.Time
	lastFill time.Time
}

// New builds a worker. discover may be nil to disable the idle filler.
func New(q Queue, t Transcriber, c Cache, discover Discoverer, opts Options) *Worker {
	opts.applyDefaults()
	w := &Worker{
		queue:    q,
		gpu:      t,
		cache:    c,
		discover: discover,
		opts:     opts,
		logger:   slog.With(slog.String("component", "worker"), slog.String("worker", opts.WorkerID)),
		now:      time.Now,
	}
	w.lastWork = w.now()
	return w
}

// Run loops until ctx ends. Failed iterations back off exponentially up to MaxBackoff.
func (w *Worker) Run(ctx context.Context) error {
	bo := newBackoff(w.opts.MaxBackoff)

	w.logger.Info("worker started",
		slog.Duration("heartbeat", w.opts.HeartbeatInterval),
		slog.Duration("gpu_timeout", w.opts.GPUTimeout),
		slog.Int("channels", len(w.opts.Channels)))

	for {
		processed, err := w.ProcessNext(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		var wait time.Duration
		switch {
		case err != nil:
			wait = bo.NextBackOff()
			w.logger.Debug("backing off", slog.Duration("wait", wait))
		case processed:
			bo.Reset()
		default:
			bo.Reset()
			wait = w.opts.PollInterval
		}
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("worker stopped")
			return nil
		case <-timer.C:
		}
	}
}

// newBackoff grows from one second to ceiling without jitter, so no wait exceeds ceiling.
func newBackoff(ceiling time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = ceiling
	bo.RandomizationFactor = 0
	return bo
}

// ProcessNext claims and runs at most one job. processed is false when the
// queue was empty; the idle filler may have enqueued work in that case.
func (w *Worker) ProcessNext(ctx context.Context) (processed bool, err error) {
	job, err := w.queue.Claim(ctx, w.opts.WorkerID, w.opts.LeaseTimeout)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		w.fillIdle(ctx)
		return false, nil
	}
	if job.Priority <= store.PriorityInteractive {
		w.markWork()
	}

	logger := w.logger.With(slog.String("job", job.ID), slog.String("video", job.VideoID))
	logger.Info("job claimed", slog.String("priority", job.Priority.String()), slog.Int("attempt", job.AttemptCount+1))

	if job.Priority > store.PriorityInteractive {
		preempt, err := w.queue.ShouldPreempt(ctx, job.Priority)
		if err != nil {
			logger.Warn("preemption check failed", slog.Any("error", err))
		} else if preempt {
			return true, w.yield(ctx, job, logger)
		}
	}
	return true, w.runJob(ctx, job, logger)
}

func (w *Worker) runJob(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(jobCtx, job, cancel, logger)
	}()

	segs, err := w.transcribe(jobCtx, job)
	cause := context.Cause(jobCtx)
	cancel(nil)
	wg.Wait()

	switch {
	case errors.Is(cause, errPreempted):
		return w.yield(ctx, job, logger)
	case errors.Is(cause, store.ErrLeaseLost):
		logger.Warn("lease lost, abandoning job")
		engine.IncrWorkerFailed()
		return cause
	case err != nil && ctx.Err() != nil:
		return w.release(ctx, job, logger)
	case err != nil:
		return w.fail(ctx, job, err, logger)
	}

	if _, err := w.cache.Set(ctx, engine.CachedTranscript{
		VideoID:  job.VideoID,
		Segments: segs,
		Source:   engine.SourceGPU,
	}); err != nil {
		return w.fail(ctx, job, fmt.Errorf("persist transcript: %w", err), logger)
	}
	if err := w.queue.Complete(ctx, job.ID, w.opts.WorkerID, len(segs)); err != nil {
		engine.IncrWorkerFailed()
		return fmt.Errorf("complete job: %w", err)
	}
	engine.IncrWorkerCompleted()
	logger.Info("job completed", slog.Int("segments", len(segs)))
	return nil
}

func (w *Worker) transcribe(ctx context.Context, job *store.Job) ([]engine.TranscriptSegment, error) {
	ctx, cancel := engine.WithStageTimeout(ctx, w.opts.GPUTimeout)
	defer cancel()
	res, err := w.gpu.TranscribeProgressive(ctx, gpu.Request{
		VideoID:  job.VideoID,
		JobID:    job.ID,
		WorkerID: w.opts.WorkerID,
	})
	if err != nil {
		return nil, err
	}
	segs := transcript.Normalize(res.Segments)
	if len(segs) == 0 {
		return nil, errors.New("gpu returned no segments")
	}
	return segs, nil
}

// heartbeat renews the lease until ctx ends. It cancels the job with
// errPreempted or ErrLeaseLost as the cause.
func (w *Worker) heartbeat(ctx context.Context, job *store.Job, cancel context.CancelCauseFunc, logger *slog.Logger) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	update := store.HeartbeatUpdate{Status: store.StatusDownloading}
	for {
		preempt, err := w.queue.Heartbeat(ctx, job.ID, w.opts.WorkerID, update)
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			cancel(store.ErrLeaseLost)
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn("heartbeat failed", slog.Any("error", err))
		case preempt:
			logger.Info("higher-priority job waiting, yielding")
			cancel(errPreempted)
			return
		}
		update = store.HeartbeatUpdate{}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// yield returns the job to pending without spending an attempt.
func (w *Worker) yield(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.queue.Fail(ctx, job.ID, w.opts.WorkerID, errPreempted.Error(), true); err != nil {
		return fmt.Errorf("release preempted job: %w", err)
	}
	engine.IncrWorkerPreempted()
	logger.Info("job preempted")
	return nil
}

// release hands the job back to pending on shutdown without spending an attempt.
func (w *Worker) release(ctx context.Context, job *store.Job, logger *slog.Logger) error {
	dctx, cancel := detached(ctx)
	defer cancel()
	if _, err := w.queue.Fail(dctx, job.ID, w.opts.WorkerID, "worker shutting down", true); err != nil {
		return errors.Join(ctx.Err(), fmt.Errorf("release job: %w", err))
	}
	logger.Info("job released on shutdown")
	return ctx.Err()
}

// fail records the error and returns it so Run backs off.
func (w *Worker) fail(ctx context.Context, job *store.Job, cause error, logger *slog.Logger) error {
	engine.IncrWorkerFailed()
	if errors.Is(cause, gpu.ErrBusy) {
		engine.IncrWorkerGPUBusy()
		logger.Warn("gpu service saturated", slog.Any("error", cause))
	} else {
		logger.Error("job failed", slog.Any("error", cause))
	}

	ctx, cancel := detached(ctx)
	defer cancel()
	msg := engine.TruncateRunes(cause.Error(), maxErrorRunes, "...")
	updated, err := w.queue.Fail(ctx, job.ID, w.opts.WorkerID, msg, false)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	if updated.Exhausted() {
		logger.Warn("job exhausted", slog.Int("attempts", updated.AttemptCount))
	}
	return cause
}

// detached keeps queue bookkeeping alive through shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (w *Worker) markWork() {
	w.mu.Lock()
	w.lastWork = w.now()
	w.mu.Unlock()
}
