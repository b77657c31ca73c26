package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kmanoj03/repopulse/internal/errs"
)

// Handler processes a single job. A nil return acks the job; a non-nil
// return fails it, and the job is retried or dead-lettered depending on
// errs.Retryable and remaining attempts.
type Handler func(ctx context.Context, job Job) error

// Runner consumes jobs from a single named queue with bounded concurrency.
type Runner struct {
	queue        *Queue
	queueName    string
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	reapInterval time.Duration
	logger       *slog.Logger
}

// NewRunner builds a Runner for queueName. concurrency bounds how many jobs
// are processed at once (spec §4.C default worker concurrency of 5).
func NewRunner(q *Queue, queueName string, concurrency int, handler Handler, logger *slog.Logger) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		queue:        q,
		queueName:    queueName,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: 500 * time.Millisecond,
		reapInterval: VisibilityTimeout,
		logger:       logger.With("queue", queueName),
	}
}

// Run blocks, consuming jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", "concurrency", r.concurrency)

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.concurrency)

	reapTicker := time.NewTicker(r.reapInterval)
	defer reapTicker.Stop()
	pollTicker := time.NewTicker(r.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.logger.Info("worker stopped")
			return nil

		case <-reapTicker.C:
			if n, err := r.queue.RequeueStalled(ctx, r.queueName); err != nil {
				r.logger.Warn("requeue stalled jobs failed", "error", err)
			} else if n > 0 {
				r.logger.Info("requeued stalled jobs", "count", n)
			}

		case <-pollTicker.C:
			free := r.concurrency - len(sem)
			if free <= 0 {
				continue
			}

			jobs, err := r.queue.Dequeue(ctx, r.queueName, free)
			if err != nil {
				r.logger.Warn("dequeue failed", "error", err)
				continue
			}

			for _, job := range jobs {
				job := job
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					r.process(ctx, job)
				}()
			}
		}
	}
}

func (r *Runner) process(ctx context.Context, job Job) {
	start := time.Now()
	err := r.handler(ctx, job)
	duration := time.Since(start)

	if err == nil {
		if ackErr := r.queue.Ack(ctx, job); ackErr != nil {
			r.logger.Error("ack failed", "job_id", job.ID, "error", ackErr)
		}
		r.logger.Debug("job completed", "job_id", job.ID, "name", job.Name, "duration_ms", duration.Milliseconds())
		return
	}

	retryable := errs.Retryable(err) && !errors.Is(err, context.Canceled)
	if failErr := r.queue.Fail(ctx, job, err, retryable); failErr != nil {
		r.logger.Error("fail handling failed", "job_id", job.ID, "error", failErr)
	}
}
