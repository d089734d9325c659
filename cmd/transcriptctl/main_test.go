package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anatolykoptev/go_transcript/internal/engine"
	"github.com/anatolykoptev/go_transcript/internal/store"
	"github.com/anatolykoptev/go_transcript/internal/worker"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func useTempStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", path)
	return path
}

func TestEnqueueListStats(t *testing.T) {
	path := useTempStore(t)

	out, err := runCLI(t, "enqueue", "dQw4w9WgXcQ", "https://youtu.be/dQw4w9WgXcQ", "nope")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for _, want := range []string{"queued", "already queued", "invalid"} {
		if !strings.Contains(out, want) {
			t.Errorf("enqueue output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, "queue", "list", "--status", "pending")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "dQw4w9WgXcQ") || !strings.Contains(out, "interactive") {
		t.Errorf("list output:\n%s", out)
	}

	out, err = runCLI(t, "queue", "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("stats output:\n%s", out)
	}

	st, err := store.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	jobs, err := st.ListJobs(context.Background(), store.ListFilter{})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v, %v", jobs, err)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	useTempStore(t)
	if _, err := runCLI(t, "queue", "list", "--status", "stuck"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestRetryFailedJob(t *testing.T) {
	path := useTempStore(t)
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := st.Enqueue(ctx, "dQw4w9WgXcQ", store.PriorityInteractive, 1)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.Claim(ctx, "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.Fail(ctx, res.JobID, "w1", "cuda out of memory", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	st.Close()

	out, err := runCLI(t, "queue", "retry", res.JobID, "missing-job")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !strings.Contains(out, "reset") || !strings.Contains(out, "not found or not failed") {
		t.Errorf("retry output:\n%s", out)
	}

	out, err = runCLI(t, "queue", "show", res.JobID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "pending") || strings.Contains(out, "cuda") {
		t.Errorf("show output:\n%s", out)
	}
}

func TestHealthCommand(t *testing.T) {
	useTempStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fmt.Fprint(w, `{"status":"ok","model":"large-v3"}`)
		case "/status":
			fmt.Fprint(w, `{"uptime_seconds":120,"transcription_count":7,"currently_processing":null,"gpu_memory":{"used_mb":2048,"total_mb":24576}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	t.Setenv("GPU_URL", srv.URL)

	out, err := runCLI(t, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	for _, want := range []string{"large-v3", "2m0s", "idle", "2048 / 24576 MB"} {
		if !strings.Contains(out, want) {
			t.Errorf("health output missing %q:\n%s", want, out)
		}
	}
}

func TestWorkerOptionsLayering(t *testing.T) {
	cfg := engine.Config{
		HeartbeatInterval: 15 * time.Second,
		LeaseTimeout:      2 * time.Minute,
		GPUTimeout:        time.Hour,
		MaxAttempts:       3,
		IdleCooldown:      30 * time.Second,
	}

	path := filepath.Join(t.TempDir(), "worker.toml")
	if err := os.WriteFile(path, []byte("worker_id = \"from-file\"\nidle_cooldown = \"2m\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	file, err := worker.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	opts, err := workerOptions(cfg, file, "")
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.WorkerID != "from-file" || opts.IdleCooldown != 2*time.Minute || opts.MaxAttempts != 3 {
		t.Errorf("opts = %+v", opts)
	}

	opts, err = workerOptions(cfg, file, "from-flag")
	if err != nil || opts.WorkerID != "from-flag" {
		t.Errorf("flag override: %+v, %v", opts, err)
	}

	opts, err = workerOptions(cfg, worker.FileConfig{}, "")
	if err != nil || opts.WorkerID == "" {
		t.Errorf("default id: %+v, %v", opts, err)
	}
}

func TestBuildJobRows(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := buildJobRows([]store.Job{{
		ID:           "0123456789abcdef",
		VideoID:      "dQw4w9WgXcQ",
		Priority:     store.PriorityBackground,
		Status:       store.StatusTranscribing,
		ProgressPct:  40,
		AttemptCount: 1,
		MaxAttempts:  3,
		WorkerID:     "gpu-1",
		UpdatedAt:    now.Add(-90 * time.Second),
	}}, now)
	want := []string{"01234567", "dQw4w9WgXcQ", "background", "transcribing", "40%", "1/3", "gpu-1", "1m30s ago"}
	if strings.Join(rows[0], "|") != strings.Join(want, "|") {
		t.Errorf("row = %v, want %v", rows[0], want)
	}
}
