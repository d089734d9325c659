package delivery

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/pipeline"
	"github.com/anatolykoptev/go_transcript/internal/store"
)

type scripted struct {
	events []pipeline.Event
	delay  time.Duration
}

func (s *scripted) Acquire(ctx context.Context, ref string, emit pipeline.Emitter) (*pipeline.Outcome, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, e := range s.events {
		emit(e)
	}
	return &pipeline.Outcome{VideoID: ref}, nil
}

type fakeWatcher struct {
	jobs []store.Job
	err  error
}

func (f *fakeWatcher) Subscribe(context.Context, string) (<-chan store.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan store.Job, len(f.jobs))
	for _, j := range f.jobs {
		ch <- j
	}
	close(ch)
	return ch, nil
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) ([]sseEvent, []string) {
	t.Helper()
	var (
		events   []sseEvent
		comments []string
		cur      sseEvent
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, ": "):
			comments = append(comments, strings.TrimPrefix(line, ": "))
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events, comments
}

func TestTranscriptStreamOrder(t *testing.T) {
	acq := &scripted{events: []pipeline.Event{
		{Kind: pipeline.EventStatus, Data: pipeline.StatusData{Phase: pipeline.PhaseCache, Message: "checking cache"}},
		{Kind: pipeline.EventMeta, Data: pipeline.MetaData{Source: engine.SourceWebScrape}},
		{Kind: pipeline.EventSegments, Data: pipeline.SegmentsData{Segments: []engine.TranscriptSegment{{Text: "hi.", Duration: 1}}}},
		{Kind: pipeline.EventDone, Data: pipeline.DoneData{Total: 1, Source: engine.SourceWebScrape, DurationSeconds: 1}},
	}}
	srv := httptest.NewServer(NewServer(acq, &fakeWatcher{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transcript/stream?v=dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	events, _ := readEvents(t, resp.Body)
	var names []string
	for _, e := range events {
		names = append(names, e.name)
	}
	if got := strings.Join(names, ","); got != "status,meta,segments,done" {
		t.Fatalf("events = %s", got)
	}
	var done pipeline.DoneData
	if err := json.Unmarshal([]byte(events[3].data), &done); err != nil || done.Total != 1 {
		t.Errorf("done = %+v (%v)", done, err)
	}
	var segs pipeline.SegmentsData
	if err := json.Unmarshal([]byte(events[2].data), &segs); err != nil || segs.Segments[0].Text != "hi." {
		t.Errorf("segments = %+v (%v)", segs, err)
	}
}

func TestTranscriptStreamKeepAlive(t *testing.T) {
	acq := &scripted{delay: 80 * time.Millisecond, events: []pipeline.Event{
		{Kind: pipeline.EventQueued, Data: pipeline.QueuedData{VideoID: "dQw4w9WgXcQ", Action: store.ActionQueued, JobID: "j1"}},
	}}
	s := NewServer(acq, &fakeWatcher{})
	s.keepAlive = 10 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transcript/stream?v=dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	events, comments := readEvents(t, resp.Body)
	if len(comments) == 0 {
		t.Error("expected keep-alive comments while acquisition runs")
	}
	if len(events) != 1 || events[0].name != "queued" || !strings.Contains(events[0].data, `"jobId":"j1"`) {
		t.Errorf("events = %+v", events)
	}
}

func TestTranscriptStreamMissingParam(t *testing.T) {
	srv := httptest.NewServer(NewServer(&scripted{}, &fakeWatcher{}).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/transcript/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestQueueStream(t *testing.T) {
	w := &fakeWatcher{jobs: []store.Job{
		{ID: "j1", VideoID: "dQw4w9WgXcQ", Status: store.StatusPending},
		{ID: "j1", VideoID: "dQw4w9WgXcQ", Status: store.StatusTranscribing, ProgressPct: 40},
		{ID: "j1", VideoID: "dQw4w9WgXcQ", Status: store.StatusCompleted, SegmentsWritten: 12},
	}}
	srv := httptest.NewServer(NewServer(&scripted{}, w).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/stream?job=j1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	events, _ := readEvents(t, resp.Body)
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	var last store.Job
	if err := json.Unmarshal([]byte(events[2].data), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Status != store.StatusCompleted || last.SegmentsWritten != 12 {
		t.Errorf("last = %+v", last)
	}
}

func TestQueueStreamUnknownJob(t *testing.T) {
	srv := httptest.NewServer(NewServer(&scripted{}, &fakeWatcher{err: store.ErrJobNotFound}).Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/queue/stream?job=nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
