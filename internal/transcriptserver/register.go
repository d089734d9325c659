// Package transcriptserver exposes transcript acquisition and queue state as MCP tools.
package transcriptserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/pipeline"
	"github.com/anatolykoptev/go_transcript/internal/store"
	"github.com/anatolykoptev/go_transcript/internal/toolutil"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const maxEnqueueBatch = 50

// Acquirer runs the acquisition pipeline.
type Acquirer interface {
	Acquire(ctx context.Context, ref string, emit pipeline.Emitter) (*pipeline.Outcome, error)
}

// Queue is the part of the store the tools read and write.
type Queue interface {
	Enqueue(ctx context.Context, videoID string, priority store.Priority, maxAttempts int) (store.EnqueueResult, error)
	Job(ctx context.Context, jobID string) (*store.Job, error)
	LatestJob(ctx context.Context, videoID string) (*store.Job, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Service backs the tool handlers.
type Service struct {
	acq         Acquirer
	queue       Queue
	maxAttempts int
}

func NewService(acq Acquirer, q Queue, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{acq: acq, queue: q, maxAttempts: maxAttempts}
}

// RegisterTools registers transcript_get, transcript_enqueue, transcript_job
// and transcript_queue_stats on the given MCP server.
func RegisterTools(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_get",
		Description: "Get the transcript of a YouTube video. Tries the cache, the watch page captions, alternate client profiles, then speech-to-text. When nothing succeeds the video is queued for GPU transcription and a job id is returned; poll it with transcript_job.",
	}, svc.get)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_enqueue",
		Description: "Queue YouTube videos for background GPU transcription. Idempotent per video: returns cached, already queued, or queued with the job id.",
	}, svc.enqueue)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_job",
		Description: "Look up a transcription job by id, or the latest job for a video. Returns status, progress percent, segments written and attempts.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, svc.job)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "transcript_queue_stats",
		Description: "Count transcription jobs per status and report service counters.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, svc.stats)
}

func (s *Service) get(ctx context.Context, _ *mcp.CallToolRequest, input TranscriptGetInput) (*mcp.CallToolResult, TranscriptGetOutput, error) {
	if input.Video == "" {
		return nil, TranscriptGetOutput{}, errors.New("video is required")
	}
	out, err := s.acq.Acquire(ctx, input.Video, nil)
	if err != nil {
		return nil, TranscriptGetOutput{}, err
	}
	if out.Queued != nil {
		return nil, TranscriptGetOutput{
			VideoID: out.VideoID,
			Status:  "queued",
			JobID:   out.Queued.JobID,
			Action:  out.Queued.Action,
			Message: pipeline.MsgQueued,
		}, nil
	}

	t := out.Transcript
	res := TranscriptGetOutput{
		VideoID:         out.VideoID,
		Status:          "ready",
		Source:          t.Source,
		Cached:          out.Cached,
		SegmentCount:    len(t.Segments),
		DurationSeconds: t.DurationSeconds(),
	}
	if md := out.Metadata; md != nil {
		res.Title, res.Author = md.Title, md.Author
	}
	switch toolutil.NormFormat(input.Format) {
	case toolutil.FormatSegments:
		res.Segments = t.Segments
	case toolutil.FormatTimestamped:
		res.Text = toolutil.Timestamped(t.Segments)
	default:
		res.Text = toolutil.PlainText(t.Segments)
	}
	return nil, res, nil
}

func (s *Service) enqueue(ctx context.Context, _ *mcp.CallToolRequest, input TranscriptEnqueueInput) (*mcp.CallToolResult, TranscriptEnqueueOutput, error) {
	if len(input.Videos) == 0 {
		return nil, TranscriptEnqueueOutput{}, errors.New("videos is required")
	}
	if len(input.Videos) > maxEnqueueBatch {
		return nil, TranscriptEnqueueOutput{}, fmt.Errorf("at most %d videos per call", maxEnqueueBatch)
	}
	priority := store.PriorityBackground
	if input.Interactive {
		priority = store.PriorityInteractive
	}

	out := TranscriptEnqueueOutput{Results: make([]EnqueueItem, 0, len(input.Videos))}
	for _, ref := range input.Videos {
		item := EnqueueItem{Video: ref}
		id, err := engine.ParseVideoID(ref)
		if err != nil {
			item.Error = err.Error()
			out.Results = append(out.Results, item)
			continue
		}
		item.VideoID = id
		latest, err := s.queue.LatestJob(ctx, id)
		if err != nil {
			slog.Warn("transcript_enqueue: queue lookup failed", slog.String("video", id), slog.Any("error", err))
			item.Error = "queue lookup failed"
			out.Results = append(out.Results, item)
			continue
		}
		if latest != nil && latest.Exhausted() {
			item.JobID = latest.ID
			item.Error = fmt.Sprintf("%s: failed %d times; reset with transcriptctl queue retry", engine.ErrQueueExhausted, latest.AttemptCount)
			out.Results = append(out.Results, item)
			continue
		}
		r, err := s.queue.Enqueue(ctx, id, priority, s.maxAttempts)
		if err != nil {
			slog.Warn("transcript_enqueue: enqueue failed", slog.String("video", id), slog.Any("error", err))
			item.Error = "enqueue failed"
		} else {
			item.Action, item.JobID = r.Action, r.JobID
			if r.Action == store.ActionQueued {
				engine.IncrQueueEnqueues()
			}
		}
		out.Results = append(out.Results, item)
	}
	return nil, out, nil
}

func (s *Service) job(ctx context.Context, _ *mcp.CallToolRequest, input TranscriptJobInput) (*mcp.CallToolResult, TranscriptJobOutput, error) {
	var (
		j   *store.Job
		err error
	)
	switch {
	case input.JobID != "":
		j, err = s.queue.Job(ctx, input.JobID)
		if errors.Is(err, store.ErrJobNotFound) {
			return nil, TranscriptJobOutput{}, nil
		}
	case input.Video != "":
		id, perr := engine.ParseVideoID(input.Video)
		if perr != nil {
			return nil, TranscriptJobOutput{}, perr
		}
		j, err = s.queue.LatestJob(ctx, id)
	default:
		return nil, TranscriptJobOutput{}, errors.New("jobId or video is required")
	}
	if err != nil {
		return nil, TranscriptJobOutput{}, err
	}
	if j == nil {
		return nil, TranscriptJobOutput{}, nil
	}
	return nil, TranscriptJobOutput{Found: true, Job: viewJob(j)}, nil
}

func (s *Service) stats(ctx context.Context, _ *mcp.CallToolRequest, _ QueueStatsInput) (*mcp.CallToolResult, QueueStatsOutput, error) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, QueueStatsOutput{}, err
	}
	return nil, QueueStatsOutput{Counts: st, Metrics: engine.GetMetrics()}, nil
}
