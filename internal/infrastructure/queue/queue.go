// Package queue implements a Redis-backed job queue with delayed retries,
// recurring schedulers and per-queue worker concurrency. Jobs are JSON
// envelopes on Redis lists; delayed and recurring work lives in sorted sets
// scored by readiness time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE NAMES
// ══════════════════════════════════════════════════════════════════════════════

// Queue names. Each has its own pending list, delayed set and dead list.
const (
	QueueDiscovery     = "discovery"
	QueueCharacterSync = "character-sync"
	QueueActivity      = "activity-check"
	QueueScheduler     = "scheduler"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEmptyQueue is returned when a pop finds no ready job.
	ErrEmptyQueue = errors.New("queue: no jobs ready")

	// ErrUnknownQueue is returned for queue names without a registered handler.
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

// ══════════════════════════════════════════════════════════════════════════════
// JOB ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// Job is the envelope that travels through Redis.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// DecodePayload unmarshals the job payload into dest.
func (j *Job) DecodePayload(dest interface{}) error {
	return json.Unmarshal(j.Payload, dest)
}

// ══════════════════════════════════════════════════════════════════════════════
// QUEUE CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Config contains queue behavior settings.
type Config struct {
	// MaxAttempts is how many times a job runs before it is dead-lettered.
	MaxAttempts int

	// RetryBackoff is the base delay before a retry; it doubles per attempt.
	RetryBackoff time.Duration

	// PollInterval is how often idle consumers look for work.
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

// Queue is the Redis-backed queue client. Producers and the worker share it.
type Queue struct {
	cache  *cache.Cache
	config Config
}

// New creates a new queue client.
func New(c *cache.Cache, config Config) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 5 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}

	return &Queue{cache: c, config: config}
}

func pendingKey(queue string) string { return cache.PrefixQueue + queue + ":pending" }
func priorityKey(queue string) string { return cache.PrefixQueue + queue + ":priority" }
func delayedKey(queue string) string { return cache.PrefixQueue + queue + ":delayed" }
func deadKey(queue string) string { return cache.PrefixQueue + queue + ":dead" }

// ──────────────────────────────────────────────────────────────────────────────
// Producing
// ──────────────────────────────────────────────────────────────────────────────

// Enqueue adds a job to the tail of a queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload interface{}) (string, error) {
	return q.enqueue(ctx, pendingKey(queue), queue, payload)
}

// EnqueuePriority adds a job to the high-priority lane, which consumers
// drain before the regular lane. Manual triggers use this so a user-facing
// request never sits behind a scheduled backlog.
func (q *Queue) EnqueuePriority(ctx context.Context, queue string, payload interface{}) (string, error) {
	return q.enqueue(ctx, priorityKey(queue), queue, payload)
}

func (q *Queue) enqueue(ctx context.Context, key, queue string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     data,
		MaxAttempts: q.config.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	envelope, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if err := q.cache.LPush(ctx, key, envelope); err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", queue, err)
	}

	return job.ID, nil
}

// EnqueueDelayed schedules a job to become ready after the given delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, queue string, payload interface{}, delay time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Payload:     data,
		MaxAttempts: q.config.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	if err := q.pushDelayed(ctx, &job, delay); err != nil {
		return "", err
	}

	return job.ID, nil
}

func (q *Queue) pushDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	envelope, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.cache.ZAdd(ctx, delayedKey(job.Queue), readyAt, string(envelope)); err != nil {
		return fmt.Errorf("enqueue delayed to %s: %w", job.Queue, err)
	}

	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Consuming
// ──────────────────────────────────────────────────────────────────────────────

// Pop returns the next ready job from a queue, promoting due delayed jobs
// first. Returns ErrEmptyQueue when nothing is ready.
func (q *Queue) Pop(ctx context.Context, queue string) (*Job, error) {
	if err := q.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}

	for _, key := range []string{priorityKey(queue), pendingKey(queue)} {
		raw, err := q.cache.RPop(ctx, key)
		if errors.Is(err, cache.ErrCacheMiss) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop from %s: %w", queue, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job from %s: %w", queue, err)
		}
		return &job, nil
	}

	return nil, ErrEmptyQueue
}

// promoteDelayed moves due delayed jobs onto the pending list.
func (q *Queue) promoteDelayed(ctx context.Context, queue string) error {
	now := float64(time.Now().UnixMilli())

	due, err := q.cache.ZRangeByScoreUpTo(ctx, delayedKey(queue), now, 100)
	if err != nil {
		return fmt.Errorf("scan delayed jobs: %w", err)
	}

	for _, envelope := range due {
		removed, err := q.cache.ZRem(ctx, delayedKey(queue), envelope)
		if err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
		// Another consumer promoted it first.
		if removed == 0 {
			continue
		}

		if err := q.cache.LPush(ctx, pendingKey(queue), envelope); err != nil {
			return fmt.Errorf("promote delayed job: %w", err)
		}
	}

	return nil
}

// Retry reschedules a failed job with exponential backoff, or dead-letters
// it when the attempts are spent. Returns true when the job will run again.
func (q *Queue) Retry(ctx context.Context, job *Job) (bool, error) {
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		envelope, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("marshal dead job: %w", err)
		}
		if err := q.cache.LPush(ctx, deadKey(job.Queue), envelope); err != nil {
			return false, fmt.Errorf("dead-letter job: %w", err)
		}
		return false, nil
	}

	backoff := q.config.RetryBackoff << (job.Attempts - 1)
	if err := q.pushDelayed(ctx, job, backoff); err != nil {
		return false, err
	}

	return true, nil
}

// PendingCount returns how many jobs wait on a queue, both lanes combined.
func (q *Queue) PendingCount(ctx context.Context, queue string) (int64, error) {
	pending, err := q.cache.LLen(ctx, pendingKey(queue))
	if err != nil {
		return 0, err
	}
	priority, err := q.cache.LLen(ctx, priorityKey(queue))
	if err != nil {
		return 0, err
	}
	return pending + priority, nil
}

// DeadCount returns how many jobs a queue has dead-lettered.
func (q *Queue) DeadCount(ctx context.Context, queue string) (int64, error) {
	return q.cache.LLen(ctx, deadKey(queue))
}
