// Package pipeline orchestrates transcript acquisition: cache, watch-page
// captions, the client-profile gateway, speech-to-text, and finally the GPU queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/engine/stt"
	"github.com/anatolykoptev/go_transcript/internal/engine/transcript"
	"github.com/anatolykoptev/go_transcript/internal/engine/youtube"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// User-visible terminal messages.
const (
	MsgQueued = "queued for background processing"
	MsgFailed = "could not produce a transcript"
)

// Captions is the caption side of the youtube client.
type Captions interface {
	AcquireCaptions(ctx context.Context, videoID string) (*youtube.CaptionResult, error)
	GatewayCaptions(ctx context.Context, videoID string) (*youtube.CaptionResult, error)
}

// Transcriber is the speech-to-text cascade.
type Transcriber interface {
	Available() bool
	Run(ctx context.Context, videoID string) (*stt.Result, error)
}

// Queue is the enqueue side of the store.
type Queue interface {
	Enqueue(ctx context.Context, videoID string, priority store.Priority, maxAttempts int) (store.EnqueueResult, error)
	LatestJob(ctx context.Context, videoID string) (*store.Job, error)
}

// Cache is the two-tier transcript cache.
type Cache interface {
	Get(ctx context.Context, videoID string) (*engine.CachedTranscript, bool)
	Set(ctx context.Context, t engine.CachedTranscript) (*engine.CachedTranscript, error)
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	captions    Captions
	stt         Transcriber
	queue       Queue
	cache       Cache
	hook        *Hook
	maxAttempts int
}

// New wires the tiers. stt and hook may be nil.
func New(captions Captions, transcriber Transcriber, q Queue, c Cache, hook *Hook, maxAttempts int) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Pipeline{captions: captions, stt: transcriber, queue: q, cache: c, hook: hook, maxAttempts: maxAttempts}
}

// Outcome is a transcript or a queued job, never both.
type Outcome struct {
	VideoID    string
	Transcript *engine.CachedTranscript
	Cached     bool
	Metadata   *engine.VideoMetadata
	Queued     *store.EnqueueResult
}

// tierResult is a successful acquisition before it is cached.
type tierResult struct {
	segments   []engine.TranscriptSegment
	source     engine.Source
	metadata   *engine.VideoMetadata
	storyboard string
}

// Acquire returns a transcript for ref (an id or a video URL), emitting
// progress as it goes. A queued outcome has a nil error.
func (p *Pipeline) Acquire(ctx context.Context, ref string, emit Emitter) (*Outcome, error) {
	videoID, err := engine.ParseVideoID(ref)
	if err != nil {
		emit.emit(EventError, ErrorData{Message: err.Error()})
		return nil, err
	}
	engine.IncrTranscriptRequests()

	emit.status(PhaseCache, "checking cache")
	if t, ok := p.cache.Get(ctx, videoID); ok {
		p.deliver(emit, t, true, nil, "")
		return &Outcome{VideoID: videoID, Transcript: t, Cached: true}, nil
	}

	res, err := p.acquire(ctx, videoID, emit)
	if err == nil {
		return p.finish(ctx, videoID, res, emit), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.Info("pipeline: live tiers exhausted, queueing", slog.String("video", videoID), slog.Any("error", err))
	return p.enqueue(ctx, videoID, emit)
}

// acquire walks the live tiers. Each swallows its own failure; only the
// aggregate reaches the caller.
func (p *Pipeline) acquire(ctx context.Context, videoID string, emit Emitter) (*tierResult, error) {
	var errs []error

	emit.status(PhaseCaptions, "fetching captions from watch page")
	cr, err := p.captions.AcquireCaptions(ctx, videoID)
	engine.IncrPageScrape(err == nil)
	if res := fromCaptions(cr, err); res != nil {
		return res, nil
	}
	errs = append(errs, tierError("watch page", videoID, err))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	emit.status(PhaseGateway, "trying alternate client profiles")
	cr, err = p.captions.GatewayCaptions(ctx, videoID)
	engine.IncrGatewayCaptions(err == nil)
	if res := fromCaptions(cr, err); res != nil {
		return res, nil
	}
	errs = append(errs, tierError("gateway", videoID, err))
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if p.stt != nil && p.stt.Available() {
		emit.status(PhaseSTT, "transcribing audio")
		sr, err := p.stt.Run(ctx, videoID)
		if err == nil && len(sr.Segments) > 0 {
			return &tierResult{segments: sr.Segments, source: sr.Source}, nil
		}
		errs = append(errs, tierError("stt", videoID, err))
	} else {
		errs = append(errs, fmt.Errorf("%w: no providers configured", engine.ErrSttExhausted))
	}
	return nil, errors.Join(errs...)
}

func fromCaptions(cr *youtube.CaptionResult, err error) *tierResult {
	if err != nil || cr == nil {
		return nil
	}
	segs := transcript.Normalize(cr.Segments)
	if len(segs) == 0 {
		return nil
	}
	md := cr.Metadata
	return &tierResult{segments: segs, source: engine.SourceWebScrape, metadata: &md, storyboard: validStoryboard(cr.StoryboardSpec)}
}

// validStoryboard returns spec when it parses into at least one level, else "".
func validStoryboard(spec string) string {
	if spec == "" {
		return ""
	}
	if _, err := youtube.ParseStoryboard(spec); err != nil {
		slog.Debug("pipeline: storyboard dropped", slog.Any("error", err))
		return ""
	}
	return spec
}

func tierError(tier, videoID string, err error) error {
	if err == nil {
		err = engine.ErrNoTracks
	}
	if engine.IsExpectedAbsence(err) {
		slog.Debug("pipeline: tier empty", slog.String("tier", tier), slog.String("video", videoID), slog.Any("error", err))
	} else {
		slog.Warn("pipeline: tier failed", slog.String("tier", tier), slog.String("video", videoID), slog.Any("error", err))
	}
	return fmt.Errorf("%s: %w", tier, err)
}

func (p *Pipeline) finish(ctx context.Context, videoID string, res *tierResult, emit Emitter) *Outcome {
	t := engine.CachedTranscript{VideoID: videoID, Segments: res.segments, Source: res.source}
	saved, err := p.cache.Set(ctx, t)
	if err != nil {
		slog.Warn("pipeline: cache write failed", slog.String("video", videoID), slog.Any("error", err))
		saved = &t
	}
	p.deliver(emit, saved, false, res.metadata, res.storyboard)
	p.hook.Fire(videoID, res.source, len(res.segments))
	return &Outcome{VideoID: videoID, Transcript: saved, Metadata: res.metadata}
}

func (p *Pipeline) deliver(emit Emitter, t *engine.CachedTranscript, cached bool, md *engine.VideoMetadata, storyboard string) {
	emit.emit(EventMeta, MetaData{Source: t.Source, Cached: cached, Metadata: md, StoryboardSpec: storyboard})
	emit.emit(EventSegments, SegmentsData{Segments: t.Segments})
	emit.emit(EventDone, DoneData{Total: len(t.Segments), Source: t.Source, DurationSeconds: t.DurationSeconds()})
}

func (p *Pipeline) enqueue(ctx context.Context, videoID string, emit Emitter) (*Outcome, error) {
	latest, err := p.queue.LatestJob(ctx, videoID)
	if err != nil {
		return nil, p.fail(emit, fmt.Errorf("queue lookup: %w", err))
	}
	if latest != nil && latest.Exhausted() {
		return nil, p.fail(emit, fmt.Errorf("%w: job %s failed %d times", engine.ErrQueueExhausted, latest.ID, latest.AttemptCount))
	}

	res, err := p.queue.Enqueue(ctx, videoID, store.PriorityInteractive, p.maxAttempts)
	if err != nil {
		return nil, p.fail(emit, fmt.Errorf("enqueue: %w", err))
	}
	if res.Action == store.ActionCached {
		// A worker finished between the cache check and the enqueue.
		t, ok := p.cache.Get(ctx, videoID)
		if !ok {
			return nil, p.fail(emit, fmt.Errorf("queue reports %s cached but the cache has no entry", videoID))
		}
		p.deliver(emit, t, true, nil, "")
		return &Outcome{VideoID: videoID, Transcript: t, Cached: true}, nil
	}
	if res.Action == store.ActionQueued {
		engine.IncrQueueEnqueues()
	}
	emit.status(PhaseQueue, MsgQueued)
	slog.Info("pipeline: queued", slog.String("video", videoID), slog.String("action", string(res.Action)), slog.String("job", res.JobID))
	emit.emit(EventQueued, QueuedData{VideoID: videoID, Action: res.Action, JobID: res.JobID})
	return &Outcome{VideoID: videoID, Queued: &res}, nil
}

func (p *Pipeline) fail(emit Emitter, err error) error {
	slog.Warn("pipeline: acquisition failed", slog.Any("error", err))
	emit.emit(EventError, ErrorData{Message: MsgFailed})
	return err
}
