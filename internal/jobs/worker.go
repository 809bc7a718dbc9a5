package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/audience/internal/metrics"
	"github.com/ignite/audience/internal/pkg/logger"
	"github.com/ignite/audience/internal/staging"
)

// Handler runs one job. A returned error is retried by the queue policy.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency      int
	PollInterval     time.Duration
	RecoveryInterval time.Duration
}

// Worker claims jobs from a queue and dispatches them to handlers.
type Worker struct {
	queue    *Queue
	handlers map[string]Handler
	cfg      WorkerConfig
	log      *logger.Logger
}

// NewWorker creates a worker pool over q.
func NewWorker(q *Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = time.Minute
	}
	return &Worker{
		queue:    q,
		handlers: map[string]Handler{},
		cfg:      cfg,
		log:      logger.With("component", "jobs", "worker_id", q.WorkerID()),
	}
}

// Handle registers the handler for a job type.
func (w *Worker) Handle(typ string, h Handler) {
	w.handlers[typ] = h
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("starting", "concurrency", w.cfg.Concurrency, "poll_interval", w.cfg.PollInterval.String())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		w.recoverLoop(ctx)
		return nil
	})
	err := g.Wait()
	w.log.Info("stopped")
	return err
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("claim failed", "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Worker) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Recover(ctx)
		}
	}
}

// Recover runs one recovery pass and refreshes the queue depth gauge.
func (w *Worker) Recover(ctx context.Context) {
	requeued, buried, err := w.queue.Recover(ctx)
	if err != nil {
		w.log.Error("recovery failed", "error", err)
	} else if requeued > 0 || buried > 0 {
		w.log.Warn("recovered stale jobs", "requeued", requeued, "dead_lettered", buried)
	}
	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
}

// RunOnce claims and runs at most one job. It reports whether a job ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts)
	// Bookkeeping must land even when shutdown cancels the handler.
	bg := context.WithoutCancel(ctx)

	h, ok := w.handlers[job.Type]
	if !ok {
		log.Error("no handler registered")
		metrics.JobsTotal.WithLabelValues(job.Type, "unknown").Inc()
		if err := w.queue.DeadLetter(bg, job.ID, "no handler for "+job.Type); err != nil {
			log.Error("dead-letter failed", "error", err)
		}
		return
	}

	err := run(ctx, h, job)
	switch {
	case err == nil:
		metrics.JobsTotal.WithLabelValues(job.Type, "success").Inc()
		err = w.queue.Complete(bg, job.ID)
	case errors.Is(err, staging.ErrLockContention):
		log.Info("population already running elsewhere")
		metrics.JobsTotal.WithLabelValues(job.Type, "contended").Inc()
		err = w.queue.Complete(bg, job.ID)
	default:
		var buried bool
		cause := err
		buried, err = w.queue.Fail(bg, job, cause)
		if buried {
			log.Error("job dead-lettered", "error", cause)
			metrics.JobsTotal.WithLabelValues(job.Type, "dead_letter").Inc()
		} else {
			log.Warn("job failed, will retry", "error", cause)
			metrics.JobsTotal.WithLabelValues(job.Type, "retry").Inc()
		}
	}
	if err != nil {
		log.Error("job bookkeeping failed", "error", err)
	}
}

// run calls h, turning a panic into an error so the job is retried.
func run(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}
