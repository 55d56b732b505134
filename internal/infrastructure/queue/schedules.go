package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECURRING SCHEDULERS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// schedulersDueKey is the sorted set of scheduler IDs by next run time.
	schedulersDueKey = cache.PrefixQueue + "schedulers"

	// schedulerDefPrefix stores each scheduler's definition.
	schedulerDefPrefix = cache.PrefixQueue + "scheduler:"

	// defaultTick is how often the scheduler looks for due entries.
	defaultTick = 15 * time.Second
)

// schedulerDef is the stored definition of one recurring job.
type schedulerDef struct {
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	Interval time.Duration   `json:"interval"`
}

// Scheduler drives recurring jobs: each entry enqueues its payload onto its
// queue every interval. Entries survive process restarts because both the
// definitions and the due times live in Redis.
type Scheduler struct {
	queue  *Queue
	cache  *cache.Cache
	tick   time.Duration
	logger *slog.Logger
}

// NewScheduler creates a new recurring-job scheduler.
func NewScheduler(q *Queue, c *cache.Cache, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:  q,
		cache:  c,
		tick:   defaultTick,
		logger: logger,
	}
}

// Upsert creates or replaces a recurring entry. The first run happens one
// interval from now; immediate work is enqueued directly by the caller.
func (s *Scheduler) Upsert(ctx context.Context, id, queueName string, payload interface{}, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("queue: scheduler %s: interval must be positive", id)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal scheduler payload: %w", err)
	}

	def := schedulerDef{
		Queue:    queueName,
		Payload:  data,
		Interval: interval,
	}
	defData, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal scheduler def: %w", err)
	}

	if err := s.cache.SetString(ctx, schedulerDefPrefix+id, string(defData), 0); err != nil {
		return fmt.Errorf("store scheduler def: %w", err)
	}

	nextRun := float64(time.Now().Add(interval).UnixMilli())
	if err := s.cache.ZAdd(ctx, schedulersDueKey, nextRun, id); err != nil {
		return fmt.Errorf("schedule next run: %w", err)
	}

	return nil
}

// Remove deletes a recurring entry.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	if _, err := s.cache.ZRem(ctx, schedulersDueKey, id); err != nil {
		return fmt.Errorf("remove scheduler: %w", err)
	}
	return s.cache.Delete(ctx, schedulerDefPrefix+id)
}

// Run ticks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick enqueues every due entry and advances its next run time. Exposed for
// tests; Run calls it on the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	due, err := s.cache.ZRangeByScoreUpTo(ctx, schedulersDueKey, float64(now.UnixMilli()), 100)
	if err != nil {
		return fmt.Errorf("scan due schedulers: %w", err)
	}

	for _, id := range due {
		defData, err := s.cache.GetString(ctx, schedulerDefPrefix+id)
		if errors.Is(err, cache.ErrCacheMiss) {
			// Definition gone, drop the orphaned due entry.
			_, _ = s.cache.ZRem(ctx, schedulersDueKey, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("load scheduler %s: %w", id, err)
		}

		var def schedulerDef
		if err := json.Unmarshal([]byte(defData), &def); err != nil {
			s.logger.Error("corrupt scheduler definition, removing", "scheduler", id, "error", err)
			_ = s.Remove(ctx, id)
			continue
		}

		if _, err := s.queue.Enqueue(ctx, def.Queue, json.RawMessage(def.Payload)); err != nil {
			return fmt.Errorf("enqueue recurring job %s: %w", id, err)
		}

		nextRun := float64(now.Add(def.Interval).UnixMilli())
		if err := s.cache.ZAdd(ctx, schedulersDueKey, nextRun, id); err != nil {
			return fmt.Errorf("advance scheduler %s: %w", id, err)
		}

		s.logger.Debug("recurring job enqueued", "scheduler", id, "queue", def.Queue)
	}

	return nil
}
