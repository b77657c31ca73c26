// Package queue implements the Job Queue component from spec §4.C: at least
// once delivery, per-job retry with exponential backoff, dead-letter
// retention, and per-queue bounded-concurrency consumption.
//
// No off-the-shelf Redis queue library appears anywhere in the retrieval
// pack with real usage (only unrelated name collisions against
// k8s.io/apimachinery). This builds directly on redis/go-redis/v9,
// generalizing the teacher's own use of Redis as a cache and pub/sub bus
// (pkg/alert.Deduplicator, pkg/escalation.Engine) into a proper queue: a
// sorted set of ready jobs scored by ready-time, a sorted set of in-flight
// jobs scored by their visibility deadline, and a dead-letter hash.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultMaxAttempts is the default retry ceiling for a job (spec §4.C).
	DefaultMaxAttempts = 3

	// InitialBackoff is the delay before the first retry.
	InitialBackoff = 2 * time.Second

	// VisibilityTimeout bounds how long a dequeued job is invisible to
	// sibling workers before it is considered stalled and requeued.
	VisibilityTimeout = 30 * time.Second

	// CompletionRetention is how long a successfully completed job's
	// envelope is kept around for inspection before it is purged.
	CompletionRetention = 24 * time.Hour

	// DeadLetterRetention is how long an exhausted job is kept in the
	// dead-letter zone before it is purged.
	DeadLetterRetention = 7 * 24 * time.Hour
)

// Job is the envelope persisted and delivered for every unit of work, per
// spec §3's Job type.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Queue is a Redis-backed, at-least-once job queue.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Queue backed by the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger}
}

func readyKey(queue string) string      { return fmt.Sprintf("repopulse:queue:%s:ready", queue) }
func processingKey(queue string) string { return fmt.Sprintf("repopulse:queue:%s:processing", queue) }
func jobsKey(queue string) string       { return fmt.Sprintf("repopulse:queue:%s:jobs", queue) }
func deadLetterKey(queue string) string { return fmt.Sprintf("repopulse:queue:%s:deadletter", queue) }

// EnqueueOptions customizes a single Enqueue call.
type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue adds a new job to queueName with logical name jobName and the
// given JSON-serialisable payload. Returns the generated job ID.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts ...func(*EnqueueOptions)) (string, error) {
	o := EnqueueOptions{MaxAttempts: DefaultMaxAttempts}
	for _, fn := range opts {
		fn(&o)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling job payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Name:        jobName,
		Data:        data,
		MaxAttempts: o.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job envelope: %w", err)
	}

	readyAt := time.Now()
	if o.Delay > 0 {
		readyAt = readyAt.Add(o.Delay)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobsKey(queueName), job.ID, raw)
	pipe.ZAdd(ctx, readyKey(queueName), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	q.logger.Debug("job enqueued", "queue", queueName, "name", jobName, "job_id", job.ID)
	return job.ID, nil
}

// WithMaxAttempts overrides the default retry ceiling for a single Enqueue call.
func WithMaxAttempts(n int) func(*EnqueueOptions) {
	return func(o *EnqueueOptions) { o.MaxAttempts = n }
}

// WithDelay schedules the job to become ready only after d has elapsed.
func WithDelay(d time.Duration) func(*EnqueueOptions) {
	return func(o *EnqueueOptions) { o.Delay = d }
}

// Dequeue claims up to n ready jobs from queueName, moving them into the
// processing set with a fresh visibility deadline. Each claim is a single
// atomic ZREM, so concurrent dequeuers (including sibling worker processes)
// never double-claim the same job.
func (q *Queue) Dequeue(ctx context.Context, queueName string, n int) ([]Job, error) {
	now := time.Now()
	candidates, err := q.rdb.ZRangeByScore(ctx, readyKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(n) * 2, // over-fetch: some candidates may be claimed by a sibling first.
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing ready jobs: %w", err)
	}

	var claimed []Job
	for _, id := range candidates {
		if len(claimed) >= n {
			break
		}

		removed, err := q.rdb.ZRem(ctx, readyKey(queueName), id).Result()
		if err != nil {
			q.logger.Warn("claiming job failed", "queue", queueName, "job_id", id, "error", err)
			continue
		}
		if removed == 0 {
			// A sibling worker claimed it first.
			continue
		}

		raw, err := q.rdb.HGet(ctx, jobsKey(queueName), id).Result()
		if err != nil {
			q.logger.Warn("loading claimed job body failed", "queue", queueName, "job_id", id, "error", err)
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("unmarshaling claimed job failed", "queue", queueName, "job_id", id, "error", err)
			continue
		}

		job.Attempts++
		if err := q.saveJob(ctx, job); err != nil {
			q.logger.Warn("saving claimed job attempt count failed", "queue", queueName, "job_id", id, "error", err)
		}

		deadline := time.Now().Add(VisibilityTimeout)
		if err := q.rdb.ZAdd(ctx, processingKey(queueName), redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
			q.logger.Warn("marking job in-flight failed", "queue", queueName, "job_id", id, "error", err)
		}

		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (q *Queue) saveJob(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, jobsKey(job.Queue), job.ID, raw).Err()
}

// Ack marks a job as successfully completed: it is removed from the
// processing set and its envelope is kept around (for the completion
// retention window) before being purged.
func (q *Queue) Ack(ctx context.Context, job Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, processingKey(job.Queue), job.ID)
	pipe.HDel(ctx, jobsKey(job.Queue), job.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("acking job: %w", err)
	}
	// The completion-retention window is honored by a short-lived marker
	// rather than keeping the full envelope, to bound memory use.
	q.rdb.Set(ctx, fmt.Sprintf("repopulse:queue:%s:completed:%s", job.Queue, job.ID), job.EnqueuedAt.Unix(), CompletionRetention)
	return nil
}

// Fail handles a job whose handler returned an error. If the job has
// retries remaining and the error is retryable, it is rescheduled with
// exponential backoff; otherwise it is moved to the dead-letter zone.
func (q *Queue) Fail(ctx context.Context, job Job, cause error, retryable bool) error {
	if err := q.rdb.ZRem(ctx, processingKey(job.Queue), job.ID).Err(); err != nil {
		q.logger.Warn("removing job from processing set failed", "queue", job.Queue, "job_id", job.ID, "error", err)
	}

	if retryable && job.Attempts < job.MaxAttempts {
		backoff := InitialBackoff * time.Duration(1<<uint(job.Attempts-1))
		readyAt := time.Now().Add(backoff)
		if err := q.saveJob(ctx, job); err != nil {
			return fmt.Errorf("saving retried job: %w", err)
		}
		if err := q.rdb.ZAdd(ctx, readyKey(job.Queue), redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("rescheduling job: %w", err)
		}
		q.logger.Info("job failed, retrying",
			"queue", job.Queue, "job_id", job.ID, "name", job.Name,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"backoff", backoff, "error", cause,
		)
		return nil
	}

	return q.deadLetter(ctx, job, cause)
}

func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) error {
	entry := struct {
		Job        Job       `json:"job"`
		Cause      string    `json:"cause"`
		DeadAt     time.Time `json:"dead_at"`
		ExpiresAt  time.Time `json:"expires_at"`
	}{
		Job:       job,
		Cause:     cause.Error(),
		DeadAt:    time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(DeadLetterRetention),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling dead-letter entry: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, deadLetterKey(job.Queue), job.ID, raw)
	pipe.HDel(ctx, jobsKey(job.Queue), job.ID)
	pipe.Expire(ctx, deadLetterKey(job.Queue), DeadLetterRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering job: %w", err)
	}

	q.logger.Error("job exhausted retries, moved to dead letter",
		"queue", job.Queue, "job_id", job.ID, "name", job.Name,
		"attempts", job.Attempts, "error", cause,
	)
	return nil
}

// RequeueStalled moves jobs whose visibility deadline has passed back onto
// the ready set (if retries remain) or the dead-letter zone (if not). It
// should be called periodically by every worker process.
func (q *Queue) RequeueStalled(ctx context.Context, queueName string) (int, error) {
	now := time.Now()
	stalled, err := q.rdb.ZRangeByScore(ctx, processingKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing stalled jobs: %w", err)
	}

	requeued := 0
	for _, id := range stalled {
		removed, err := q.rdb.ZRem(ctx, processingKey(queueName), id).Result()
		if err != nil || removed == 0 {
			continue
		}

		raw, err := q.rdb.HGet(ctx, jobsKey(queueName), id).Result()
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}

		if job.Attempts < job.MaxAttempts {
			if err := q.rdb.ZAdd(ctx, readyKey(queueName), redis.Z{Score: float64(now.UnixMilli()), Member: id}).Err(); err != nil {
				continue
			}
			q.logger.Warn("requeued stalled job", "queue", queueName, "job_id", id, "attempts", job.Attempts)
		} else {
			_ = q.deadLetter(ctx, job, fmt.Errorf("stalled: no heartbeat within visibility timeout"))
		}
		requeued++
	}

	return requeued, nil
}
