package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Job statuses
const (
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusDone       = "done"
	StatusDeadLetter = "dead_letter"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 5 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultStaleAge    = time.Hour
)

// Job is one claimed unit of work.
type Job struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	DedupKey    string
	Attempts    int
	MaxAttempts int
}

// QueueConfig tunes retries and recovery.
type QueueConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	StaleAge    time.Duration
}

// Queue is a durable Postgres job queue. Workers claim with
// FOR UPDATE SKIP LOCKED so concurrent claimers never block each other.
type Queue struct {
	db       *sql.DB
	workerID string
	cfg      QueueConfig
	jitter   func(time.Duration) time.Duration
}

// NewQueue creates a queue client identified by a fresh worker id.
func NewQueue(db *sql.DB, cfg QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = DefaultStaleAge
	}
	return &Queue{
		db:       db,
		workerID: uuid.New().String(),
		cfg:      cfg,
		jitter:   fullJitter,
	}
}

// WorkerID identifies this process in claimed rows.
func (q *Queue) WorkerID() string {
	return q.workerID
}

// EnsureSchema creates the queue table. The partial unique index makes a
// second enqueue of a queued or running dedup key a no-op.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS population_jobs (
			id           UUID PRIMARY KEY,
			type         TEXT NOT NULL,
			payload      JSONB NOT NULL DEFAULT '{}',
			dedup_key    TEXT,
			status       TEXT NOT NULL DEFAULT 'queued',
			attempts     INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			run_at       TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			worker_id    TEXT,
			claimed_at   TIMESTAMP WITH TIME ZONE,
			finished_at  TIMESTAMP WITH TIME ZONE,
			last_error   TEXT,
			created_at   TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at   TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS population_jobs_dedup_idx
			ON population_jobs (dedup_key) WHERE status IN ('queued', 'running');
		CREATE INDEX IF NOT EXISTS population_jobs_ready_idx
			ON population_jobs (status, run_at)
	`)
	if err != nil {
		return fmt.Errorf("create population_jobs table: %w", err)
	}
	return nil
}

// Enqueue adds a job. It reports false, with no error, when a job with the
// same dedup key is already queued or running.
func (q *Queue) Enqueue(ctx context.Context, typ string, payload any, dedupKey string) (string, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	var dedup any
	if dedupKey != "" {
		dedup = dedupKey
	}

	var id string
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO population_jobs (id, type, payload, dedup_key, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedup_key) WHERE status IN ('queued', 'running') DO NOTHING
		RETURNING id
	`, uuid.New().String(), typ, data, dedup, q.cfg.MaxAttempts).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue %s: %w", typ, err)
	}
	return id, true, nil
}

// Claim takes the oldest runnable job, or returns nil when none is due.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	var (
		j        Job
		payload  []byte
		dedupKey sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		UPDATE population_jobs
		SET status = 'running',
		    worker_id = $1,
		    claimed_at = NOW(),
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM population_jobs
			WHERE status = 'queued' AND run_at <= NOW()
			ORDER BY run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, payload, dedup_key, attempts, max_attempts
	`, q.workerID).Scan(&j.ID, &j.Type, &payload, &dedupKey, &j.Attempts, &j.MaxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	j.Payload = payload
	j.DedupKey = dedupKey.String
	return &j, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE population_jobs
		SET status = 'done', worker_id = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. The job is requeued after a backoff, or
// dead-lettered once it has used all of its attempts. It reports whether the
// job was dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	msg := truncate(cause.Error(), 1000)
	if job.Attempts >= job.MaxAttempts {
		return true, q.DeadLetter(ctx, job.ID, msg)
	}

	delay := q.Backoff(job.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE population_jobs
		SET status = 'queued',
		    worker_id = NULL,
		    claimed_at = NULL,
		    run_at = NOW() + ($2 * INTERVAL '1 millisecond'),
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1
	`, job.ID, delay.Milliseconds(), msg)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	return false, nil
}

// DeadLetter parks a job for manual inspection.
func (q *Queue) DeadLetter(ctx context.Context, id, reason string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE population_jobs
		SET status = 'dead_letter', worker_id = NULL, finished_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", id, err)
	}
	return nil
}

// Backoff is the delay before attempt+1: exponential from the base, capped,
// with jitter.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.cfg.BaseBackoff
	for i := 1; i < attempt && d < q.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return q.jitter(d)
}

// fullJitter spreads retries over [d/2, d).
func fullJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// Recover requeues running jobs whose worker stopped reporting, and
// dead-letters those that have no attempts left.
func (q *Queue) Recover(ctx context.Context) (requeued, buried int64, err error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE population_jobs
		SET status = 'queued', worker_id = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status = 'running'
		  AND claimed_at < NOW() - ($1 * INTERVAL '1 millisecond')
		  AND attempts < max_attempts
	`, q.cfg.StaleAge.Milliseconds())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = q.db.ExecContext(ctx, `
		UPDATE population_jobs
		SET status = 'dead_letter', worker_id = NULL, finished_at = NOW(),
		    last_error = 'worker stopped responding', updated_at = NOW()
		WHERE status = 'running'
		  AND claimed_at < NOW() - ($1 * INTERVAL '1 millisecond')
		  AND attempts >= max_attempts
	`, q.cfg.StaleAge.Milliseconds())
	if err != nil {
		return requeued, 0, fmt.Errorf("failed to dead-letter stale jobs: %w", err)
	}
	buried, _ = res.RowsAffected()
	return requeued, buried, nil
}

// Depth counts jobs waiting to run.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM population_jobs WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	return n, nil
}

// truncate cuts s to at most max bytes without splitting a rune, since
// last_error rejects invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
