package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// WORKER
// ══════════════════════════════════════════════════════════════════════════════

// Handler processes one job. A non-nil error triggers the retry policy.
type Handler func(ctx context.Context, job *Job) error

// registration binds a queue to its handler and concurrency ceiling.
type registration struct {
	queue       string
	handler     Handler
	concurrency int
}

// Worker drains registered queues with a fixed number of goroutines each.
// Concurrency is per queue, so a slow character-sync backlog never starves
// the scheduler ticks.
type Worker struct {
	queue  *Queue
	logger *slog.Logger

	mu            sync.Mutex
	registrations []registration
	running       bool
	wg            sync.WaitGroup
	cancel        context.CancelFunc
}

// NewWorker creates a new worker over a queue client.
func NewWorker(q *Queue, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:  q,
		logger: logger,
	}
}

// Register binds a handler to a queue. Must be called before Start.
func (w *Worker) Register(queue string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.registrations = append(w.registrations, registration{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
	})
}

// Start launches the consumer goroutines. It returns immediately; Stop
// blocks until in-flight jobs finish.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return errors.New("queue: worker already started")
	}
	if len(w.registrations) == 0 {
		return errors.New("queue: no handlers registered")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.running = true

	for _, reg := range w.registrations {
		for i := 0; i < reg.concurrency; i++ {
			w.wg.Add(1)
			go w.consume(ctx, reg)
		}
		w.logger.Info("queue consumers started",
			"queue", reg.queue, "concurrency", reg.concurrency)
	}

	return nil
}

// Stop cancels consumers and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// consume is one consumer goroutine's poll loop.
func (w *Worker) consume(ctx context.Context, reg registration) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Pop(ctx, reg.queue)
		if errors.Is(err, ErrEmptyQueue) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.queue.config.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue pop failed", "queue", reg.queue, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.queue.config.PollInterval):
			}
			continue
		}

		w.runJob(ctx, reg, job)
	}
}

// runJob executes one job and applies the retry policy on failure.
func (w *Worker) runJob(ctx context.Context, reg registration, job *Job) {
	start := time.Now()

	err := w.safeHandle(ctx, reg.handler, job)
	if err == nil {
		w.logger.Debug("job completed",
			"queue", reg.queue, "job_id", job.ID, "duration", time.Since(start))
		return
	}

	w.logger.Warn("job failed",
		"queue", reg.queue, "job_id", job.ID,
		"attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "error", err)

	retrying, retryErr := w.queue.Retry(context.WithoutCancel(ctx), job)
	if retryErr != nil {
		w.logger.Error("failed to reschedule job",
			"queue", reg.queue, "job_id", job.ID, "error", retryErr)
		return
	}

	if !retrying {
		w.logger.Error("job dead-lettered",
			"queue", reg.queue, "job_id", job.ID, "error", err)
	}
}

// safeHandle shields the consumer loop from handler panics.
func (w *Worker) safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, job)
}
