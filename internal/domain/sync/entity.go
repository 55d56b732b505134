// Package sync contains the domain model for sync runs: the job records that
// track one discovery or active-sync execution across its batches, and the
// append-only per-character error log.
package sync

import (
	"errors"
	"regexp"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// ENUMS
// ══════════════════════════════════════════════════════════════════════════════

// JobType distinguishes the two kinds of sync runs.
type JobType string

const (
	// TypeDiscovery - full roster refresh with membership reconciliation.
	TypeDiscovery JobType = "discovery"
	// TypeActiveSync - statistics refresh limited to recently-active members.
	TypeActiveSync JobType = "active_sync"
)

// IsValid reports whether the job type is known.
func (t JobType) IsValid() bool {
	return t == TypeDiscovery || t == TypeActiveSync
}

// Status is the sync job state machine. Running is the only non-terminal
// state; the transition to Completed is guarded by an atomic conditional
// update so that racing batches produce at most one completion.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status allows no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// Job represents one sync run. TotalItems is fixed once known;
// ProcessedItems and ErrorCount only ever grow, via atomic increments, so
// concurrent batches never lose each other's progress.
type Job struct {
	ID      string
	GuildID string
	Type    JobType
	Status  Status

	TotalItems     int
	ProcessedItems int
	ErrorCount     int

	// CurrentCharacter is the last character touched, for progress display.
	CurrentCharacter string

	// ErrorMessage is set only on failed jobs, after redaction.
	ErrorMessage string

	StartedAt   time.Time
	CompletedAt *time.Time
	Duration    int // seconds
}

// NewJob creates a running job for a guild. The ID is assigned by the
// persistence layer.
func NewJob(guildID string, jobType JobType) (*Job, error) {
	if guildID == "" {
		return nil, ErrMissingGuild
	}
	if !jobType.IsValid() {
		return nil, ErrInvalidType
	}
	return &Job{
		GuildID:   guildID,
		Type:      jobType,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Complete reports whether every item of the run has been processed.
func (j *Job) Complete() bool {
	return j.TotalItems > 0 && j.ProcessedItems >= j.TotalItems
}

// SyncError is an append-only diagnostic record for one failed character
// fetch. It is never mutated after creation.
type SyncError struct {
	ID            string
	GuildID       string
	CharacterName string
	Realm         string
	ErrorType     string
	ErrorMessage  string
	Service       string
	CreatedAt     time.Time
}

// ══════════════════════════════════════════════════════════════════════════════
// REDACTION
// ══════════════════════════════════════════════════════════════════════════════

// maxErrorLen caps persisted error messages.
const maxErrorLen = 500

var bearerRe = regexp.MustCompile(`Bearer\s+\S+`)

// Redact strips bearer-token-like substrings from an error message and caps
// its length. Every message that reaches storage or an alert goes through
// this first.
func Redact(msg string) string {
	msg = bearerRe.ReplaceAllString(msg, "Bearer [REDACTED]")
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound is returned when a sync job does not exist.
	ErrNotFound = errors.New("sync: job not found")

	// ErrMissingGuild is returned when a job is created without a guild.
	ErrMissingGuild = errors.New("sync: guild id is required")

	// ErrInvalidType is returned for unknown job types.
	ErrInvalidType = errors.New("sync: invalid job type")
)
