package transcriptserver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/pipeline"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

const vid = "dQw4w9WgXcQ"

type fixedAcquirer struct{ out *pipeline.Outcome }

func (f fixedAcquirer) Acquire(context.Context, string, pipeline.Emitter) (*pipeline.Outcome, error) {
	return f.out, nil
}

func openStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetReady(t *testing.T) {
	out := &pipeline.Outcome{
		VideoID: vid,
		Transcript: &engine.CachedTranscript{
			VideoID: vid,
			Source:  engine.SourceWebScrape,
			Segments: []engine.TranscriptSegment{
				{Text: "Never gonna give you up.", Offset: 0, Duration: 3},
				{Text: "Never gonna let you down.", Offset: 65, Duration: 3},
			},
		},
		Metadata: &engine.VideoMetadata{VideoID: vid, Title: "Song", Author: "Rick"},
	}
	svc := NewService(fixedAcquirer{out}, openStore(t), 3)

	tests := []struct {
		format string
		check  func(t *testing.T, got TranscriptGetOutput)
	}{
		{"", func(t *testing.T, got TranscriptGetOutput) {
			assert.Equal(t, "Never gonna give you up. Never gonna let you down.", got.Text)
			assert.Empty(t, got.Segments)
		}},
		{"timestamped", func(t *testing.T, got TranscriptGetOutput) {
			assert.True(t, strings.HasPrefix(got.Text, "[00:00] Never"))
			assert.Contains(t, got.Text, "[01:05] Never gonna let you down.")
		}},
		{"segments", func(t *testing.T, got TranscriptGetOutput) {
			assert.Len(t, got.Segments, 2)
			assert.Empty(t, got.Text)
		}},
	}
	for _, tt := range tests {
		t.Run("format="+tt.format, func(t *testing.T) {
			_, got, err := svc.get(context.Background(), nil, TranscriptGetInput{Video: vid, Format: tt.format})
			require.NoError(t, err)
			assert.Equal(t, "ready", got.Status)
			assert.Equal(t, "Song", got.Title)
			assert.Equal(t, 2, got.SegmentCount)
			assert.Equal(t, 68.0, got.DurationSeconds)
			tt.check(t, got)
		})
	}
}

func TestGetQueued(t *testing.T) {
	out := &pipeline.Outcome{VideoID: vid, Queued: &store.EnqueueResult{Action: store.ActionQueued, JobID: "j1"}}
	_, got, err := NewService(fixedAcquirer{out}, openStore(t), 3).get(context.Background(), nil, TranscriptGetInput{Video: vid})
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, pipeline.MsgQueued, got.Message)
}

func TestGetRequiresVideo(t *testing.T) {
	_, _, err := NewService(fixedAcquirer{}, openStore(t), 3).get(context.Background(), nil, TranscriptGetInput{})
	require.Error(t, err)
}

func TestEnqueueAndJob(t *testing.T) {
	s := openStore(t)
	svc := NewService(fixedAcquirer{}, s, 3)
	ctx := context.Background()

	_, out, err := svc.enqueue(ctx, nil, TranscriptEnqueueInput{Videos: []string{
		"https://youtu.be/" + vid,
		vid,
		"bogus",
	}})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)
	assert.Equal(t, store.ActionQueued, out.Results[0].Action)
	assert.Equal(t, store.ActionAlreadyQueued, out.Results[1].Action)
	assert.Equal(t, out.Results[0].JobID, out.Results[1].JobID)
	assert.NotEmpty(t, out.Results[2].Error)

	job, err := s.Job(ctx, out.Results[0].JobID)
	require.NoError(t, err)
	assert.Equal(t, store.PriorityBackground, job.Priority)

	_, byID, err := svc.job(ctx, nil, TranscriptJobInput{JobID: job.ID})
	require.NoError(t, err)
	require.True(t, byID.Found)
	assert.Equal(t, store.StatusPending, byID.Job.Status)
	assert.Equal(t, "background", byID.Job.Priority)
	assert.NotEmpty(t, byID.Job.CreatedAt)

	_, byVideo, err := svc.job(ctx, nil, TranscriptJobInput{Video: vid})
	require.NoError(t, err)
	require.True(t, byVideo.Found)
	assert.Equal(t, job.ID, byVideo.Job.ID)

	_, missing, err := svc.job(ctx, nil, TranscriptJobInput{JobID: "nope"})
	require.NoError(t, err)
	assert.False(t, missing.Found)

	_, stats, err := svc.stats(ctx, nil, QueueStatsInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[store.StatusPending])
	assert.NotNil(t, stats.Metrics)
}

func TestEnqueueLimits(t *testing.T) {
	svc := NewService(fixedAcquirer{}, openStore(t), 3)
	_, _, err := svc.enqueue(context.Background(), nil, TranscriptEnqueueInput{})
	require.Error(t, err)

	many := make([]string, maxEnqueueBatch+1)
	for i := range many {
		many[i] = vid
	}
	_, _, err = svc.enqueue(context.Background(), nil, TranscriptEnqueueInput{Videos: many})
	require.Error(t, err)

	_, _, err = svc.job(context.Background(), nil, TranscriptJobInput{})
	require.Error(t, err)
}

func TestEnqueueRefusesExhaustedVideo(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	res, err := s.Enqueue(ctx, vid, store.PriorityBackground, 1)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.Fail(ctx, res.JobID, "w1", "cuda out of memory", false)
	require.NoError(t, err)

	_, out, err := NewService(fixedAcquirer{}, s, 3).enqueue(ctx, nil, TranscriptEnqueueInput{Videos: []string{vid}})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	item := out.Results[0]
	assert.Contains(t, item.Error, "retry")
	assert.Equal(t, res.JobID, item.JobID)
	assert.Empty(t, item.Action)

	jobs, err := s.ListJobs(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "an exhausted video must not get a fresh row")
}
