package transcriptserver

import (
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

// --- transcript_get ---

type TranscriptGetInput struct {
	Video  string `json:"video" jsonschema:"YouTube video id or URL (watch, youtu.be, shorts, embed)"`
	Format string `json:"format,omitempty" jsonschema:"Output format: text (default), timestamped, or segments"`
}

type TranscriptGetOutput struct {
	VideoID         string                     `json:"videoId"`
	Status          string                     `json:"status"` // ready | queued
	Source          engine.Source              `json:"source,omitempty"`
	Cached          bool                       `json:"cached,omitempty"`
	Title           string                     `json:"title,omitempty"`
	Author          string                     `json:"author,omitempty"`
	SegmentCount    int                        `json:"segmentCount,omitempty"`
	DurationSeconds float64                    `json:"durationSeconds,omitempty"`
	Text            string                     `json:"text,omitempty"`
	Segments        []engine.TranscriptSegment `json:"segments,omitempty"`
	JobID           string                     `json:"jobId,omitempty"`
	Action          store.EnqueueAction        `json:"action,omitempty"`
	Message         string                     `json:"message,omitempty"`
}

// --- transcript_enqueue ---

type TranscriptEnqueueInput struct {
	Videos      []string `json:"videos" jsonschema:"Video ids or URLs to transcribe in the background"`
	Interactive bool     `json:"interactive,omitempty" jsonschema:"Queue at interactive priority instead of background"`
}

type EnqueueItem struct {
	Video   string              `json:"video"`
	VideoID string              `json:"videoId,omitempty"`
	Action  store.EnqueueAction `json:"action,omitempty"`
	JobID   string              `json:"jobId,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type TranscriptEnqueueOutput struct {
	Results []EnqueueItem `json:"results"`
}

// --- transcript_job ---

type TranscriptJobInput struct {
	JobID string `json:"jobId,omitempty" jsonschema:"Queue job id returned by transcript_get or transcript_enqueue"`
	Video string `json:"video,omitempty" jsonschema:"Video id or URL; looks up its most recent job"`
}

type TranscriptJobOutput struct {
	Found bool     `json:"found"`
	Job   *JobView `json:"job,omitempty"`
}

// JobView is a queue row with RFC 3339 timestamps.
type JobView struct {
	ID              string       `json:"id"`
	VideoID         string       `json:"videoId"`
	Priority        string       `json:"priority"`
	Status          store.Status `json:"status"`
	WorkerID        string       `json:"workerId,omitempty"`
	ProgressPct     int          `json:"progressPct"`
	SegmentsWritten int          `json:"segmentsWritten"`
	AttemptCount    int          `json:"attemptCount"`
	MaxAttempts     int          `json:"maxAttempts"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       string       `json:"createdAt"`
	UpdatedAt       string       `json:"updatedAt"`
	HeartbeatAt     string       `json:"heartbeatAt,omitempty"`
}

func viewJob(j *store.Job) *JobView {
	v := &JobView{
		ID:              j.ID,
		VideoID:         j.VideoID,
		Priority:        j.Priority.String(),
		Status:          j.Status,
		WorkerID:        j.WorkerID,
		ProgressPct:     j.ProgressPct,
		SegmentsWritten: j.SegmentsWritten,
		AttemptCount:    j.AttemptCount,
		MaxAttempts:     j.MaxAttempts,
		Error:           j.ErrorMessage,
		CreatedAt:       j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.HeartbeatAt != nil {
		v.HeartbeatAt = j.HeartbeatAt.UTC().Format(time.RFC3339)
	}
	return v
}

// --- transcript_queue_stats ---

type QueueStatsInput struct{}

type QueueStatsOutput struct {
	Counts  map[store.Status]int `json:"counts"`
	Metrics map[string]int64     `json:"metrics"`
}
