// Package store persists transcripts and the transcription queue.
//
// Two backends share one contract: Postgres, where every queue mutation is a
// stored function, and SQLite, where each mutation is a single UPDATE ... RETURNING
// statement. Job state is only ever changed through these operations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

// Status is the lifecycle state of a queue job.
type Status string

const (
	StatusPending      Status = "pending"
	StatusClaimed      Status = "claimed"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusClaimed, StatusDownloading, StatusTranscribing, StatusCompleted, StatusFailed,
}

// Terminal reports whether the job will not change again without operator action.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Leased reports whether a worker currently owns the job.
func (s Status) Leased() bool {
	return s == StatusClaimed || s == StatusDownloading || s == StatusTranscribing
}

// rank orders statuses so heartbeats can only move a job forward.
func (s Status) rank() int {
	switch s {
	case StatusClaimed:
		return 1
	case StatusDownloading:
		return 2
	case StatusTranscribing:
		return 3
	case StatusCompleted, StatusFailed:
		return 4
	}
	return 0
}

// Priority orders claims; lower values are served first.
type Priority int

const (
	PriorityInteractive Priority = 0
	PriorityBackground  Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	}
	return "custom"
}

// Job is one row of transcript_queue.
type Job struct {
	ID              string     `json:"id"`
	VideoID         string     `json:"videoId"`
	Priority        Priority   `json:"priority"`
	Status          Status     `json:"status"`
	WorkerID        string     `json:"workerId,omitempty"`
	SegmentsWritten int        `json:"segmentsWritten"`
	ProgressPct     int        `json:"progressPct"`
	AttemptCount    int        `json:"attemptCount"`
	MaxAttempts     int        `json:"maxAttempts"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeatAt,omitempty"`
}

// Exhausted reports a job that spent its whole retry budget.
func (j *Job) Exhausted() bool {
	return j.Status == StatusFailed && j.AttemptCount >= j.MaxAttempts
}

// EnqueueAction is the outcome of an enqueue request.
type EnqueueAction string

const (
	ActionQueued        EnqueueAction = "queued"
	ActionAlreadyQueued EnqueueAction = "already queued"
	ActionCached        EnqueueAction = "cached"
)

// EnqueueResult carries the job id for queued and already-queued outcomes.
type EnqueueResult struct {
	Action EnqueueAction `json:"action"`
	JobID  string        `json:"jobId,omitempty"`
}

// HeartbeatUpdate carries optional progress. Nil fields keep the stored value.
type HeartbeatUpdate struct {
	Status          Status
	ProgressPct     *int
	SegmentsWritten *int
}

// ListFilter narrows ListJobs. Zero value lists the most urgent 50 jobs.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	return f.Limit
}

// Stats counts jobs per status.
type Stats map[Status]int

var (
	// ErrLeaseLost means the worker no longer owns the job (reclaimed or finished elsewhere).
	ErrLeaseLost = errors.New("job lease lost")
	// ErrJobNotFound means no job matched the request.
	ErrJobNotFound = errors.New("job not found")
)

// Store is the persistent transcript cache tier plus the transcription queue.
type Store interface {
	engine.TranscriptStore

	// Enqueue is idempotent per video: cached, already queued, or a new pending row.
	Enqueue(ctx context.Context, videoID string, priority Priority, maxAttempts int) (EnqueueResult, error)
	// Claim atomically leases the most urgent pending job. Jobs whose heartbeat is
	// older than lease are reclaimed first. Returns nil, nil when nothing is pending.
	Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error)
	// Heartbeat renews the lease. preempt is true when a background job should yield.
	Heartbeat(ctx context.Context, jobID, workerID string, u HeartbeatUpdate) (preempt bool, err error)
	Complete(ctx context.Context, jobID, workerID string, segmentsWritten int) error
	// Fail returns the job to pending, or to failed once attempts run out.
	// A preempted job goes back to pending without spending an attempt.
	Fail(ctx context.Context, jobID, workerID, message string, preempted bool) (*Job, error)
	// ShouldPreempt reports whether a pending job outranks priority.
	ShouldPreempt(ctx context.Context, priority Priority) (bool, error)
	// Retry resets a failed job to pending with a fresh budget.
	Retry(ctx context.Context, jobID string) (*Job, error)

	Job(ctx context.Context, jobID string) (*Job, error)
	// LatestJob returns the newest job for a video, or nil.
	LatestJob(ctx context.Context, videoID string) (*Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]Job, error)
	Stats(ctx context.Context) (Stats, error)
	// Subscribe emits the job's current state and every later change until the
	// job is terminal or ctx ends. The channel is closed on exit.
	Subscribe(ctx context.Context, jobID string) (<-chan Job, error)

	ServiceURL(ctx context.Context, name string) (string, error)
	RegisterService(ctx context.Context, name, url string) error

	Close() error
}

// Open picks Postgres when databaseURL is set, SQLite at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if databaseURL != "" {
		return OpenPostgres(ctx, databaseURL)
	}
	return OpenSQLite(ctx, sqlitePath)
}

func leaseSeconds(d time.Duration) int {
	if s := int(d / time.Second); s > 0 {
		return s
	}
	return 1
}
