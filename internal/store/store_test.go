package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T) (*SQLite, *clock) {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.now = c.now
	return s, c
}

func TestEnqueueIdempotent(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, "dQw4w9WgXcQ", PriorityBackground, 3)
	require.NoError(t, err)
	assert.Equal(t, ActionQueued, first.Action)
	require.NotEmpty(t, first.JobID)

	for i := 0; i < 2; i++ {
		again, err := s.Enqueue(ctx, "dQw4w9WgXcQ", PriorityBackground, 3)
		require.NoError(t, err)
		assert.Equal(t, ActionAlreadyQueued, again.Action)
		assert.Equal(t, first.JobID, again.JobID)
	}

	job, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, s.PutTranscript(ctx, engine.CachedTranscript{
		VideoID:   "dQw4w9WgXcQ",
		Segments:  []engine.TranscriptSegment{{Text: "hi", Duration: 1}},
		Source:    engine.SourceGPU,
		FetchedAt: c.now(),
		ExpiresAt: c.now().Add(90 * 24 * time.Hour),
	}))
	require.NoError(t, s.Complete(ctx, job.ID, "w1", 1))

	third, err := s.Enqueue(ctx, "dQw4w9WgXcQ", PriorityInteractive, 3)
	require.NoError(t, err)
	assert.Equal(t, ActionCached, third.Action)
	assert.Empty(t, third.JobID)

	jobs, err := s.ListJobs(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "cached enqueue must not insert a row")
}

func TestEnqueueBumpsPriority(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "aaaaaaaaaaa", PriorityBackground, 3)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "aaaaaaaaaaa", PriorityInteractive, 3)
	require.NoError(t, err)

	job, err := s.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, PriorityInteractive, job.Priority)
}

func TestClaimPrefersInteractive(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	bg, err := s.Enqueue(ctx, "bbbbbbbbbbb", PriorityBackground, 3)
	require.NoError(t, err)
	c.advance(time.Second)
	fg, err := s.Enqueue(ctx, "iiiiiiiiiii", PriorityInteractive, 3)
	require.NoError(t, err)

	job, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, fg.JobID, job.ID)
	assert.Equal(t, StatusClaimed, job.Status)
	assert.Equal(t, "w1", job.WorkerID)

	next, err := s.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, bg.JobID, next.ID)

	empty, err := s.Claim(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestClaimNeverDoubleClaims(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"v0000000001", "v0000000002", "v0000000003", "v0000000004"} {
		_, err := s.Enqueue(ctx, id, PriorityBackground, 3)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			job, err := s.Claim(ctx, worker, time.Minute)
			if err != nil || job == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := claimed[job.ID]; dup {
				t.Errorf("job %s claimed by %s and %s", job.ID, prev, worker)
			}
			claimed[job.ID] = worker
		}(string(rune('a' + w)))
	}
	wg.Wait()
	assert.Len(t, claimed, 4)
}

func TestHeartbeatPreemption(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "bbbbbbbbbbb", PriorityBackground, 3)
	require.NoError(t, err)
	job, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	pct := 10
	preempt, err := s.Heartbeat(ctx, job.ID, "w1", HeartbeatUpdate{Status: StatusDownloading, ProgressPct: &pct})
	require.NoError(t, err)
	assert.False(t, preempt)

	_, err = s.Enqueue(ctx, "iiiiiiiiiii", PriorityInteractive, 3)
	require.NoError(t, err)

	preempt, err = s.Heartbeat(ctx, job.ID, "w1", HeartbeatUpdate{Status: StatusTranscribing})
	require.NoError(t, err)
	assert.True(t, preempt)

	failed, err := s.Fail(ctx, job.ID, "w1", "preempted", true)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, failed.Status)
	assert.Equal(t, 0, failed.AttemptCount, "preemption must not spend an attempt")
	assert.Empty(t, failed.WorkerID)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "aaaaaaaaaaa", PriorityInteractive, 3)
	require.NoError(t, err)
	job, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	segs := 4
	_, err = s.Heartbeat(ctx, job.ID, "w1", HeartbeatUpdate{Status: StatusTranscribing, SegmentsWritten: &segs})
	require.NoError(t, err)
	preempt, err := s.Heartbeat(ctx, job.ID, "w1", HeartbeatUpdate{Status: StatusDownloading})
	require.NoError(t, err)
	assert.False(t, preempt, "interactive jobs never yield")

	got, err := s.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTranscribing, got.Status)
	assert.Equal(t, 4, got.SegmentsWritten)
}

func TestFailSpendsAttempts(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "aaaaaaaaaaa", PriorityInteractive, 2)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		job, err := s.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		failed, err := s.Fail(ctx, job.ID, "w1", "gpu exploded", false)
		require.NoError(t, err)
		assert.Equal(t, attempt, failed.AttemptCount)
	}

	job, err := s.Job(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.True(t, job.Exhausted())
	assert.Equal(t, "gpu exploded", job.ErrorMessage)

	none, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	latest, err := s.LatestJob(ctx, "aaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, res.JobID, latest.ID)

	retried, err := s.Retry(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 0, retried.AttemptCount)

	_, err = s.Retry(ctx, res.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	res, err := s.Enqueue(ctx, "aaaaaaaaaaa", PriorityInteractive, 3)
	require.NoError(t, err)
	job, err := s.Claim(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	c.advance(30 * time.Second)
	none, err := s.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "live lease must not be reclaimed")

	c.advance(2 * time.Minute)
	again, err := s.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, res.JobID, again.ID)
	assert.Equal(t, "w2", again.WorkerID)
	assert.Equal(t, 1, again.AttemptCount)

	_, err = s.Heartbeat(ctx, job.ID, "crashed", HeartbeatUpdate{})
	assert.ErrorIs(t, err, ErrLeaseLost)
	assert.ErrorIs(t, s.Complete(ctx, job.ID, "crashed", 3), ErrLeaseLost)
	_, err = s.Fail(ctx, job.ID, "crashed", "late", false)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestTranscriptRoundTrip(t *testing.T) {
	s, c := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetTranscript(ctx, "missing0000")
	require.NoError(t, err)
	assert.Nil(t, got)

	in := engine.CachedTranscript{
		VideoID: "aaaaaaaaaaa",
		Segments: []engine.TranscriptSegment{
			{Text: "hello world.", Offset: 0, Duration: 2.5, Words: []engine.Word{{Text: "hello", StartMs: 0}, {Text: "world.", StartMs: 900}}},
		},
		Source:    engine.SourceWebScrape,
		FetchedAt: c.now(),
		ExpiresAt: c.now().Add(time.Hour),
	}
	require.NoError(t, s.PutTranscript(ctx, in))
	in.Source = engine.SourceGPU
	require.NoError(t, s.PutTranscript(ctx, in))

	got, err = s.GetTranscript(ctx, "aaaaaaaaaaa")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, engine.SourceGPU, got.Source, "re-acquisition overwrites")
	assert.Equal(t, in.Segments, got.Segments)
	assert.True(t, got.ExpiresAt.Equal(in.ExpiresAt))
}

func TestServiceRegistry(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	url, err := s.ServiceURL(ctx, "whisperx")
	require.NoError(t, err)
	assert.Empty(t, url)

	require.NoError(t, s.RegisterService(ctx, "whisperx", "http://10.0.0.5:8000"))
	require.NoError(t, s.RegisterService(ctx, "whisperx", "http://10.0.0.6:8000"))
	url, err = s.ServiceURL(ctx, "whisperx")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.6:8000", url)
}

func TestStatsAndList(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"v0000000001", "v0000000002", "v0000000003"} {
		_, err := s.Enqueue(ctx, id, PriorityBackground, 3)
		require.NoError(t, err)
	}
	_, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[StatusPending])
	assert.Equal(t, 1, stats[StatusClaimed])

	pending, err := s.ListJobs(ctx, ListFilter{Statuses: []Status{StatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestSubscribeEndsOnTerminal(t *testing.T) {
	old := pollInterval
	pollInterval = 10 * time.Millisecond
	t.Cleanup(func() { pollInterval = old })

	s, c := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Enqueue(ctx, "aaaaaaaaaaa", PriorityInteractive, 3)
	require.NoError(t, err)
	ch, err := s.Subscribe(ctx, res.JobID)
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, StatusPending, first.Status)

	c.advance(time.Second)
	job, err := s.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	c.advance(time.Second)
	require.NoError(t, s.Complete(ctx, job.ID, "w1", 7))

	var last Job
	for j := range ch {
		last = j
	}
	assert.Equal(t, StatusCompleted, last.Status)
	assert.Equal(t, 7, last.SegmentsWritten)
}
