package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Fixed width keeps lexical and chronological order identical.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// pollInterval paces Subscribe; SQLite has no change notifications.
var pollInterval = time.Second

// SQLite is the single-node backend. Each queue mutation is one statement,
// so a claim can never be split between a read and a write.
type SQLite struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("store: sqlite opened", slog.String("path", path))
	return &SQLite{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// queryJob runs a statement returning at most one job row.
func (s *SQLite) queryJob(ctx context.Context, query string, args ...any) (*Job, error) {
	var job *Job
	err := retryOnBusy(ctx, func() error {
		var scanErr error
		job, scanErr = scanSQLiteJob(s.db.QueryRowContext(ctx, query, args...))
		return scanErr
	})
	return job, err
}

func (s *SQLite) stamp() string { return formatTime(s.now()) }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- transcripts ---

func (s *SQLite) GetTranscript(ctx context.Context, videoID string) (*engine.CachedTranscript, error) {
	var raw, src, fetched, expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT segments, source, fetched_at, expires_at FROM transcripts WHERE video_id = ?`, videoID,
	).Scan(&raw, &src, &fetched, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select transcript: %w", err)
	}
	t := engine.CachedTranscript{
		VideoID:   videoID,
		Source:    engine.Source(src),
		FetchedAt: parseTime(fetched),
		ExpiresAt: parseTime(expires),
	}
	if err := json.Unmarshal([]byte(raw), &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments for %s: %w", videoID, err)
	}
	return &t, nil
}

func (s *SQLite) PutTranscript(ctx context.Context, t engine.CachedTranscript) error {
	raw, err := json.Marshal(t.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO transcripts (video_id, segments, source, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (video_id) DO UPDATE SET
			segments = excluded.segments,
			source = excluded.source,
			fetched_at = excluded.fetched_at,
			expires_at = excluded.expires_at`,
		t.VideoID, string(raw), string(t.Source), formatTime(t.FetchedAt), formatTime(t.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// --- queue ---

// Enqueue runs the cached check, priority bump and insert in one transaction.
func (s *SQLite) Enqueue(ctx context.Context, videoID string, priority Priority, maxAttempts int) (EnqueueResult, error) {
	var res EnqueueResult
	err := retryOnBusy(ctx, func() error {
		var txErr error
		res, txErr = s.enqueueTx(ctx, videoID, priority, maxAttempts)
		return txErr
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", videoID, err)
	}
	return res, nil
}

func (s *SQLite) enqueueTx(ctx context.Context, videoID string, priority Priority, maxAttempts int) (EnqueueResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	var cached int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM transcripts WHERE video_id = ? AND expires_at > ?`, videoID, now,
	).Scan(&cached); err != nil {
		return EnqueueResult{}, err
	}
	if cached > 0 {
		return EnqueueResult{Action: ActionCached}, tx.Commit()
	}

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE transcript_queue SET priority = MIN(priority, ?), updated_at = ?
		 WHERE video_id = ? AND status NOT IN ('completed','failed')
		RETURNING id`, int(priority), now, videoID).Scan(&id)
	switch {
	case err == nil:
		return EnqueueResult{Action: ActionAlreadyQueued, JobID: id}, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return EnqueueResult{}, err
	}

	id = uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_queue (id, video_id, priority, status, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)`, id, videoID, int(priority), maxAttempts, now, now); err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Action: ActionQueued, JobID: id}, tx.Commit()
}

func (s *SQLite) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	now := s.now()
	cutoff := formatTime(now.Add(-time.Duration(leaseSeconds(lease)) * time.Second))
	if _, err := s.exec(ctx, `
		UPDATE transcript_queue
		   SET attempt_count = attempt_count + 1,
		       status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		       worker_id = NULL, progress_pct = 0, error_message = 'lease expired', updated_at = ?
		 WHERE status IN ('claimed','downloading','transcribing') AND heartbeat_at < ?`,
		formatTime(now), cutoff); err != nil {
		return nil, fmt.Errorf("reclaim stale leases: %w", err)
	}

	stamp := formatTime(now)
	job, err := s.queryJob(ctx, `
		UPDATE transcript_queue
		   SET status = 'claimed', worker_id = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = (
		       SELECT id FROM transcript_queue WHERE status = 'pending'
		        ORDER BY priority, created_at, rowid LIMIT 1
		 ) AND status = 'pending'
		RETURNING `+jobColumns, workerID, stamp, stamp, stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return job, nil
}

func (s *SQLite) Heartbeat(ctx context.Context, jobID, workerID string, u HeartbeatUpdate) (bool, error) {
	status := ""
	if u.Status.Leased() {
		status = string(u.Status)
	}
	var priority int
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			UPDATE transcript_queue
			   SET status = CASE WHEN ? > `+rankExpr("status")+` THEN ? ELSE status END,
			       progress_pct = COALESCE(?, progress_pct),
			       segments_written = COALESCE(?, segments_written),
			       heartbeat_at = ?, updated_at = ?
			 WHERE id = ? AND worker_id = ? AND status IN ('claimed','downloading','transcribing')
			RETURNING priority`,
			Status(status).rank(), status, nullInt(u.ProgressPct), nullInt(u.SegmentsWritten),
			s.stamp(), s.stamp(), jobID, workerID).Scan(&priority)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("heartbeat %s: %w", jobID, ErrLeaseLost)
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	if Priority(priority) <= PriorityInteractive {
		return false, nil
	}
	return s.ShouldPreempt(ctx, Priority(priority))
}

func (s *SQLite) Complete(ctx context.Context, jobID, workerID string, segmentsWritten int) error {
	res, err := s.exec(ctx, `
		UPDATE transcript_queue
		   SET status = 'completed', segments_written = ?, progress_pct = 100, error_message = NULL, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status IN ('claimed','downloading','transcribing')`,
		segmentsWritten, s.stamp(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", jobID, ErrLeaseLost)
	}
	return nil
}

func (s *SQLite) Fail(ctx context.Context, jobID, workerID, message string, preempted bool) (*Job, error) {
	job, err := s.queryJob(ctx, `
		UPDATE transcript_queue
		   SET status = CASE
		           WHEN ? THEN 'pending'
		           WHEN attempt_count + 1 >= max_attempts THEN 'failed'
		           ELSE 'pending'
		       END,
		       attempt_count = CASE WHEN ? THEN attempt_count ELSE attempt_count + 1 END,
		       error_message = ?, worker_id = NULL, progress_pct = 0, updated_at = ?
		 WHERE id = ? AND worker_id = ? AND status IN ('claimed','downloading','transcribing')
		RETURNING `+jobColumns, preempted, preempted, message, s.stamp(), jobID, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fail %s: %w", jobID, ErrLeaseLost)
	}
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", jobID, err)
	}
	return job, nil
}

func (s *SQLite) ShouldPreempt(ctx context.Context, priority Priority) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM transcript_queue WHERE status = 'pending' AND priority < ?`, int(priority),
	).Scan(&n); err != nil {
		return false, fmt.Errorf("should_preempt: %w", err)
	}
	return n > 0, nil
}

func (s *SQLite) Retry(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.queryJob(ctx, `
		UPDATE transcript_queue
		   SET status = 'pending', attempt_count = 0, error_message = NULL,
		       worker_id = NULL, progress_pct = 0, updated_at = ?
		 WHERE id = ? AND status = 'failed'
		RETURNING `+jobColumns, s.stamp(), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry %s: %w", jobID, ErrJobNotFound)
	}
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("retry %s: video already has a live job", jobID)
		}
		return nil, fmt.Errorf("retry %s: %w", jobID, err)
	}
	return job, nil
}

func (s *SQLite) Job(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM transcript_queue WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *SQLite) LatestJob(ctx context.Context, videoID string) (*Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM transcript_queue WHERE video_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, videoID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest job for %s: %w", videoID, err)
	}
	return job, nil
}

func (s *SQLite) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcript_queue`
	args := make([]any, 0, len(f.Statuses)+1)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY priority, created_at, rowid LIMIT ?`
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM transcript_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := Stats{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

// Subscribe polls the row and emits whenever updated_at or status moves.
func (s *SQLite) Subscribe(ctx context.Context, jobID string) (<-chan Job, error) {
	first, err := s.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make(chan Job, 1)
	go func() {
		defer close(out)
		last := *first
		if !send(ctx, out, last) || last.Status.Terminal() {
			return
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := s.Job(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("store: poll job failed", slog.String("job", jobID), slog.Any("error", err))
				}
				return
			}
			if job.UpdatedAt.Equal(last.UpdatedAt) && job.Status == last.Status {
				continue
			}
			last = *job
			if !send(ctx, out, last) || last.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// --- service registry ---

func (s *SQLite) ServiceURL(ctx context.Context, name string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM service_registry WHERE service_name = ?`, name).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup service %s: %w", name, err)
	}
	return url, nil
}

func (s *SQLite) RegisterService(ctx context.Context, name, url string) error {
	_, err := s.exec(ctx, `
		INSERT INTO service_registry (service_name, url, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (service_name) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		name, url, s.stamp())
	if err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}
	return nil
}

func rankExpr(col string) string {
	return `(CASE ` + col + ` WHEN 'claimed' THEN 1 WHEN 'downloading' THEN 2 WHEN 'transcribing' THEN 3
		WHEN 'completed' THEN 4 WHEN 'failed' THEN 4 ELSE 0 END)`
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	var (
		j                    Job
		priority             int
		status               string
		workerID, errMessage sql.NullString
		created, updated     string
		claimedAt, heartbeat sql.NullString
	)
	err := row.Scan(&j.ID, &j.VideoID, &priority, &status, &workerID, &j.SegmentsWritten, &j.ProgressPct,
		&j.AttemptCount, &j.MaxAttempts, &errMessage, &created, &updated, &claimedAt, &heartbeat)
	if err != nil {
		return nil, err
	}
	j.Priority = Priority(priority)
	j.Status = Status(status)
	j.WorkerID = workerID.String
	j.ErrorMessage = errMessage.String
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	if claimedAt.Valid {
		t := parseTime(claimedAt.String)
		j.ClaimedAt = &t
	}
	if heartbeat.Valid {
		t := parseTime(heartbeat.String)
		j.HeartbeatAt = &t
	}
	return &j, nil
}
