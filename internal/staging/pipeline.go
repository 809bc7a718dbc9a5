// Package staging runs population jobs: a compiled audience query is
// streamed into a Redis staging buffer, then drained page by page into the
// operational store. A retried job re-drains the buffer instead of running
// the analytical query again.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience/internal/analytics"
	"github.com/ignite/audience/internal/metrics"
	"github.com/ignite/audience/internal/pkg/distlock"
	"github.com/ignite/audience/internal/pkg/logger"
)

var (
	// ErrLockContention means another worker is already populating the owner.
	// Callers treat it as success and exit quietly.
	ErrLockContention = errors.New("population already in progress")
	// ErrDrainIncomplete means some pages failed and were left staged.
	ErrDrainIncomplete = errors.New("staging buffer not fully drained")
)

const (
	DefaultBatchSize = 2500
	DefaultPageSize  = 1000
	DefaultTTL       = 24 * time.Hour
	DefaultLockTTL   = 30 * time.Minute
)

// Pair is one staged entry: the key is the staged id.
type Pair struct {
	Key   string
	Value string
}

// Source streams the rows of an audience query.
type Source interface {
	Stream(ctx context.Context, query string, fn func(analytics.Row) error, args ...any) error
}

// DrainFunc persists one page of staged pairs. Pages can be redelivered after
// a crash, so it must be idempotent.
type DrainFunc func(ctx context.Context, page []Pair) error

// CompleteFunc runs once the buffer is empty, with the staged total.
type CompleteFunc func(ctx context.Context, total int64) error

// Job describes one population run.
type Job struct {
	Query    string
	OwnerKey string
	// Map turns a row into a staged pair. Defaults to IDPair.
	Map        func(analytics.Row) (Pair, error)
	Drain      DrainFunc
	OnComplete CompleteFunc
}

// Config sizes the staging buffer.
type Config struct {
	BatchSize int
	PageSize  int
	TTL       time.Duration
	LockTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// Pipeline stages and drains population runs.
type Pipeline struct {
	redis  *redis.Client
	source Source
	cfg    Config
	log    *logger.Logger
}

// NewPipeline creates a pipeline reading from source and staging in client.
func NewPipeline(client *redis.Client, source Source, cfg Config) *Pipeline {
	return &Pipeline{
		redis:  client,
		source: source,
		cfg:    cfg.withDefaults(),
		log:    logger.With("component", "staging"),
	}
}

// IDPair stages a row under its id column with the remaining columns as a
// JSON value.
func IDPair(row analytics.Row) (Pair, error) {
	id := row.String("id")
	if id == "" {
		return Pair{}, errors.New("row has no id column")
	}
	rest := make(map[string]any, len(row))
	for k, v := range row {
		if k != "id" {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		return Pair{Key: id}, nil
	}
	return Pair{Key: id, Value: oj.JSON(rest, &oj.Options{Sort: true})}, nil
}

// Populate runs job to completion: generate unless a ready buffer exists,
// drain, then run the completion hook and clear the staging keys.
func (p *Pipeline) Populate(ctx context.Context, job Job) (err error) {
	if job.OwnerKey == "" {
		return errors.New("population job has no owner key")
	}
	if job.Drain == nil {
		return errors.New("population job has no drain callback")
	}
	if job.Map == nil {
		job.Map = IDPair
	}
	log := p.log.With("owner", job.OwnerKey)

	lock := distlock.NewRedisLock(p.redis, job.OwnerKey, p.cfg.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		log.Info("population already in progress")
		return ErrLockContention
	}
	defer lock.Release(context.WithoutCancel(ctx))

	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.PopulationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	state, err := p.State(ctx, job.OwnerKey)
	if err != nil {
		return err
	}

	switch state {
	case StateReady, StateDraining, StateDone:
		log.Info("resuming staged population", "state", string(state))
	case StateGenerating:
		log.Warn("discarding orphaned staging buffer")
		if err := p.clear(ctx, job.OwnerKey); err != nil {
			return err
		}
		fallthrough
	default:
		if job.Query == "" {
			return errors.New("population job has no query")
		}
		total, err := p.generate(ctx, job, lock)
		if err != nil {
			return err
		}
		log.Info("staged population", "total", total)
	}

	if err := p.drain(ctx, job, lock); err != nil {
		return err
	}
	return p.complete(ctx, job)
}

// generate streams the query into the buffer in batches, then flags it ready.
// The lock is extended before every write so a slow stream keeps its lease,
// and a run that lost the lease stops without touching the buffer.
func (p *Pipeline) generate(ctx context.Context, job Job, lock *distlock.RedisLock) (int64, error) {
	key := Key(job.OwnerKey)
	batch := make([]any, 0, p.cfg.BatchSize*2)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := lock.Extend(ctx, p.cfg.LockTTL); err != nil {
			return err
		}
		pipe := p.redis.Pipeline()
		pipe.HSet(ctx, key, batch...)
		pipe.Expire(ctx, key, p.cfg.TTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("stage batch for %s: %w", job.OwnerKey, err)
		}
		metrics.StagedRows.Add(float64(len(batch) / 2))
		batch = batch[:0]
		return nil
	}

	err := p.source.Stream(ctx, job.Query, func(row analytics.Row) error {
		pair, err := job.Map(row)
		if err != nil {
			return fmt.Errorf("map row for %s: %w", job.OwnerKey, err)
		}
		batch = append(batch, pair.Key, pair.Value)
		if len(batch) >= p.cfg.BatchSize*2 {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := flush(); err != nil {
		return 0, err
	}

	total, err := p.redis.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count staged rows for %s: %w", job.OwnerKey, err)
	}

	if err := lock.Extend(ctx, p.cfg.LockTTL); err != nil {
		return 0, err
	}
	pipe := p.redis.TxPipeline()
	pipe.Set(ctx, totalKey(job.OwnerKey), total, p.cfg.TTL)
	pipe.Set(ctx, completeKey(job.OwnerKey), 0, p.cfg.TTL)
	pipe.Set(ctx, readyKey(job.OwnerKey), 1, p.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("flag staging ready for %s: %w", job.OwnerKey, err)
	}
	return total, nil
}

// drain hands the buffer to the callback page by page. A page is deleted
// only after its callback succeeds; failed pages stay staged for the retry.
// The cursor keeps moving forward while pages are deleted. A key the deletes
// pushed behind the cursor is picked up by the next pass, so the drain ends
// on a full pass that deletes nothing.
func (p *Pipeline) drain(ctx context.Context, job Job, lock *distlock.RedisLock) error {
	key := Key(job.OwnerKey)
	failed := map[string]bool{}
	failedPages := 0

	var cursor uint64
	ackedThisPass := false
	for {
		fields, next, err := p.redis.HScan(ctx, key, cursor, "*", int64(p.cfg.PageSize)).Result()
		if err != nil {
			return fmt.Errorf("scan staging buffer %s: %w", key, err)
		}

		for _, page := range pages(fields, failed, p.cfg.PageSize) {
			if err := job.Drain(ctx, page); err != nil {
				failedPages++
				for _, pair := range page {
					failed[pair.Key] = true
				}
				metrics.FailedDrainPages.Inc()
				p.log.Error("drain page failed", "owner", job.OwnerKey, "size", len(page), "error", err)
				continue
			}
			if err := p.ack(ctx, job.OwnerKey, page); err != nil {
				return err
			}
			if err := lock.Extend(ctx, p.cfg.LockTTL); err != nil {
				return err
			}
			ackedThisPass = true
		}

		switch {
		case next != 0:
			cursor = next
		case ackedThisPass:
			cursor = 0
			ackedThisPass = false
		case failedPages > 0:
			return fmt.Errorf("%w: %d pages failed for %s", ErrDrainIncomplete, failedPages, job.OwnerKey)
		default:
			return nil
		}
	}
}

// ack removes a drained page and bumps the progress counter.
func (p *Pipeline) ack(ctx context.Context, owner string, page []Pair) error {
	keys := make([]string, len(page))
	for i, pair := range page {
		keys[i] = pair.Key
	}
	pipe := p.redis.Pipeline()
	pipe.HDel(ctx, Key(owner), keys...)
	pipe.IncrBy(ctx, completeKey(owner), int64(len(page)))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack drained page for %s: %w", owner, err)
	}
	metrics.DrainedRows.Add(float64(len(page)))
	return nil
}

// complete runs the hook before clearing the staging keys, so a failed hook
// is retried straight from the drained state.
func (p *Pipeline) complete(ctx context.Context, job Job) error {
	total, err := p.redis.Get(ctx, totalKey(job.OwnerKey)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read staged total for %s: %w", job.OwnerKey, err)
	}
	if job.OnComplete != nil {
		if err := job.OnComplete(ctx, total); err != nil {
			return fmt.Errorf("completion hook for %s: %w", job.OwnerKey, err)
		}
	}
	if err := p.clear(ctx, job.OwnerKey); err != nil {
		return err
	}
	p.log.Info("population complete", "owner", job.OwnerKey, "total", total)
	return nil
}

// Discard drops every staging key of owner.
func (p *Pipeline) Discard(ctx context.Context, owner string) error {
	return p.clear(ctx, owner)
}

func (p *Pipeline) clear(ctx context.Context, owner string) error {
	err := p.redis.Del(ctx, Key(owner), readyKey(owner), totalKey(owner), completeKey(owner)).Err()
	if err != nil {
		return fmt.Errorf("clear staging keys for %s: %w", owner, err)
	}
	return nil
}

// pages splits a flat HSCAN reply into pages of at most size pairs,
// leaving out keys that already failed in this run.
func pages(fields []string, skip map[string]bool, size int) [][]Pair {
	var out [][]Pair
	var page []Pair
	for i := 0; i+1 < len(fields); i += 2 {
		if skip[fields[i]] {
			continue
		}
		page = append(page, Pair{Key: fields[i], Value: fields[i+1]})
		if len(page) == size {
			out = append(out, page)
			page = nil
		}
	}
	if len(page) > 0 {
		out = append(out, page)
	}
	return out
}
