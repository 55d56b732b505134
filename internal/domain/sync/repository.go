package sync

import (
	"context"
	"time"
)

// JobRepository defines persistence operations for sync jobs. The progress
// and completion methods encode the concurrency protocol: increments are
// atomic at the storage layer, and the terminal transition is a conditional
// compare-and-set that at most one caller can win.
type JobRepository interface {
	// Create persists a new job and assigns its ID.
	Create(ctx context.Context, j *Job) error

	// GetByID returns a job by ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Job, error)

	// ListByGuild returns the most recent jobs for a guild, newest first.
	ListByGuild(ctx context.Context, guildID string, limit int) ([]*Job, error)

	// SetTotalItems fixes the run size once it is known.
	SetTotalItems(ctx context.Context, id string, total int) error

	// IncrementProgress atomically adds one to processedItems, adds
	// errDelta (0 or 1) to errorCount and records the current character.
	// Never implemented as read-modify-write.
	IncrementProgress(ctx context.Context, id string, errDelta int, currentCharacter string) error

	// AddErrors atomically adds delta to errorCount without touching the
	// progress counter. Used for failures outside the per-item loop, such
	// as activity updates inside a discovery run.
	AddErrors(ctx context.Context, id string, delta int) error

	// TryComplete atomically transitions the job from running to completed,
	// recording completedAt and duration. Returns true only for the single
	// caller that wins the transition; false when the job already left the
	// running state.
	TryComplete(ctx context.Context, id string, completedAt time.Time, durationSec int) (bool, error)

	// MarkFailed transitions the job to failed with a redacted message.
	MarkFailed(ctx context.Context, id string, errorMessage string, completedAt time.Time, durationSec int) error
}

// ErrorRepository defines the append-only sync error log.
type ErrorRepository interface {
	// Record appends one failure record. Errors here are diagnostic only
	// and must never fail the surrounding run.
	Record(ctx context.Context, e *SyncError) error

	// ListByGuild returns recent failure records for a guild, newest first.
	ListByGuild(ctx context.Context, guildID string, limit int) ([]*SyncError, error)
}
