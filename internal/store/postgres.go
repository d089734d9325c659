package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anatolykoptev/go_transcript/internal/engine"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	notifyChannel   = "transcript_queue"
	leaseLostCode   = "P0002"
	uniqueViolation = "23505"
)

const jobColumns = `id, video_id, priority, status, worker_id, segments_written, progress_pct,
	attempt_count, max_attempts, error_message, created_at, updated_at, claimed_at, heartbeat_at`

// Postgres is the shared deployment backend. Queue mutations run as stored functions.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and applies the embedded schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("store: postgres connected", slog.String("addr", config.ConnConfig.Host))
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) runMigrations(ctx context.Context) error {
	entries, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := schemaFS.ReadFile("schema/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		if _, err := conn.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("execute %s: %w", entry.Name(), err)
		}
		slog.Debug("store: migration applied", slog.String("file", entry.Name()))
	}
	return nil
}

// mapError turns the stored functions' lease-lost signal into ErrLeaseLost.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == leaseLostCode {
		return fmt.Errorf("%w: %s", ErrLeaseLost, pgErr.Message)
	}
	return err
}

// --- transcripts ---

func (p *Postgres) GetTranscript(ctx context.Context, videoID string) (*engine.CachedTranscript, error) {
	var (
		raw []byte
		t   engine.CachedTranscript
		src string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT segments, source, fetched_at, expires_at FROM transcripts WHERE video_id = $1`, videoID,
	).Scan(&raw, &src, &t.FetchedAt, &t.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select transcript: %w", err)
	}
	if err := json.Unmarshal(raw, &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments for %s: %w", videoID, err)
	}
	t.VideoID = videoID
	t.Source = engine.Source(src)
	return &t, nil
}

func (p *Postgres) PutTranscript(ctx context.Context, t engine.CachedTranscript) error {
	raw, err := json.Marshal(t.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO transcripts (video_id, segments, source, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (video_id) DO UPDATE SET
			segments = EXCLUDED.segments,
			source = EXCLUDED.source,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at`,
		t.VideoID, raw, string(t.Source), t.FetchedAt, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// --- queue ---

func (p *Postgres) Enqueue(ctx context.Context, videoID string, priority Priority, maxAttempts int) (EnqueueResult, error) {
	var (
		action string
		jobID  *string
	)
	err := p.pool.QueryRow(ctx, `SELECT action, job_id FROM enqueue_transcript($1, $2, $3, $4)`,
		uuid.NewString(), videoID, int(priority), maxAttempts).Scan(&action, &jobID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", videoID, err)
	}
	res := EnqueueResult{Action: EnqueueAction(action)}
	if jobID != nil {
		res.JobID = *jobID
	}
	return res, nil
}

func (p *Postgres) Claim(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM claim_next_job($1, $2)`, workerID, leaseSeconds(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return job, nil
}

func (p *Postgres) Heartbeat(ctx context.Context, jobID, workerID string, u HeartbeatUpdate) (bool, error) {
	var status *string
	if u.Status != "" {
		s := string(u.Status)
		status = &s
	}
	var preempt bool
	err := p.pool.QueryRow(ctx, `SELECT heartbeat_job($1, $2, $3, $4, $5)`,
		jobID, workerID, status, u.ProgressPct, u.SegmentsWritten).Scan(&preempt)
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", jobID, mapError(err))
	}
	return preempt, nil
}

func (p *Postgres) Complete(ctx context.Context, jobID, workerID string, segmentsWritten int) error {
	if _, err := p.pool.Exec(ctx, `SELECT complete_job($1, $2, $3)`, jobID, workerID, segmentsWritten); err != nil {
		return fmt.Errorf("complete %s: %w", jobID, mapError(err))
	}
	return nil
}

func (p *Postgres) Fail(ctx context.Context, jobID, workerID, message string, preempted bool) (*Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM fail_job($1, $2, $3, $4)`, jobID, workerID, message, preempted))
	if err != nil {
		return nil, fmt.Errorf("fail %s: %w", jobID, mapError(err))
	}
	return job, nil
}

func (p *Postgres) ShouldPreempt(ctx context.Context, priority Priority) (bool, error) {
	var ok bool
	if err := p.pool.QueryRow(ctx, `SELECT should_preempt($1)`, int(priority)).Scan(&ok); err != nil {
		return false, fmt.Errorf("should_preempt: %w", err)
	}
	return ok, nil
}

func (p *Postgres) Retry(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx, `
		UPDATE transcript_queue
		   SET status = 'pending', attempt_count = 0, error_message = NULL,
		       worker_id = NULL, progress_pct = 0, updated_at = now()
		 WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("retry %s: %w", jobID, ErrJobNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return nil, fmt.Errorf("retry %s: video already has a live job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("retry %s: %w", jobID, err)
	}
	return job, nil
}

func (p *Postgres) Job(ctx context.Context, jobID string) (*Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcript_queue WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job %s: %w", jobID, err)
	}
	return job, nil
}

func (p *Postgres) LatestJob(ctx context.Context, videoID string) (*Job, error) {
	job, err := scanPgJob(p.pool.QueryRow(ctx, `SELECT `+jobColumns+`
		FROM transcript_queue WHERE video_id = $1 ORDER BY created_at DESC LIMIT 1`, videoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest job for %s: %w", videoID, err)
	}
	return job, nil
}

func (p *Postgres) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	rows, err := p.pool.Query(ctx, `SELECT `+jobColumns+` FROM transcript_queue
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
		ORDER BY priority, created_at LIMIT $2`, statuses, f.limit())
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM transcript_queue GROUP BY status`)
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

// Subscribe holds one pooled connection on LISTEN for the lifetime of the subscription.
func (p *Postgres) Subscribe(ctx context.Context, jobID string) (<-chan Job, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}
	first, err := p.Job(ctx, jobID)
	if err != nil {
		p.releaseListener(conn)
		return nil, err
	}

	out := make(chan Job, 1)
	go func() {
		defer close(out)
		defer p.releaseListener(conn)

		if !send(ctx, out, *first) || first.Status.Terminal() {
			return
		}
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("store: notification wait failed", slog.String("job", jobID), slog.Any("error", err))
				}
				return
			}
			if n.Payload != jobID {
				continue
			}
			job, err := p.Job(ctx, jobID)
			if err != nil {
				slog.Warn("store: reload job failed", slog.String("job", jobID), slog.Any("error", err))
				return
			}
			if !send(ctx, out, *job) || job.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

func (p *Postgres) releaseListener(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+notifyChannel); err != nil {
		// Drop the connection rather than return a listening one to the pool.
		_ = conn.Hijack().Close(ctx)
		return
	}
	conn.Release()
}

// --- service registry ---

func (p *Postgres) ServiceURL(ctx context.Context, name string) (string, error) {
	var url string
	err := p.pool.QueryRow(ctx, `SELECT url FROM service_registry WHERE service_name = $1`, name).Scan(&url)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup service %s: %w", name, err)
	}
	return url, nil
}

func (p *Postgres) RegisterService(ctx context.Context, name, url string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO service_registry (service_name, url, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (service_name) DO UPDATE SET url = EXCLUDED.url, updated_at = now()`, name, url)
	if err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}
	return nil
}

func scanPgJob(row pgx.Row) (*Job, error) {
	var (
		j                    Job
		priority             int
		status               string
		workerID, errMessage *string
		claimedAt, heartbeat *time.Time
	)
	err := row.Scan(&j.ID, &j.VideoID, &priority, &status, &workerID, &j.SegmentsWritten, &j.ProgressPct,
		&j.AttemptCount, &j.MaxAttempts, &errMessage, &j.CreatedAt, &j.UpdatedAt, &claimedAt, &heartbeat)
	if err != nil {
		return nil, err
	}
	j.Priority = Priority(priority)
	j.Status = Status(status)
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if errMessage != nil {
		j.ErrorMessage = *errMessage
	}
	j.ClaimedAt = claimedAt
	j.HeartbeatAt = heartbeat
	return &j, nil
}

func send(ctx context.Context, out chan<- Job, j Job) bool {
	select {
	case out <- j:
		return true
	case <-ctx.Done():
		return false
	}
}
