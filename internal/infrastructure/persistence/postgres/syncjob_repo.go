package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
)

// ══════════════════════════════════════════════════════════════════════════════
// SYNC JOB REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SyncJobRepository implements sync.JobRepository for PostgreSQL.
//
// Progress is written with "SET processed_items = processed_items + 1" style
// increments so concurrent batches cannot lose each other's counts, and the
// completion transition is conditional on status = 'running' so exactly one
// of the racing batches observes the win.
type SyncJobRepository struct {
	conn *Connection
}

// NewSyncJobRepository creates a new SyncJobRepository.
func NewSyncJobRepository(conn *Connection) *SyncJobRepository {
	return &SyncJobRepository{conn: conn}
}

const jobColumns = `
	id, guild_id, job_type, status,
	total_items, processed_items, error_count, current_character, error_message,
	started_at, completed_at, duration_seconds
`

// Create persists a new job and assigns its ID.
func (r *SyncJobRepository) Create(ctx context.Context, j *syncdom.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sync_jobs (
			id, guild_id, job_type, status,
			total_items, processed_items, error_count, current_character, error_message,
			started_at, completed_at, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.conn.Exec(ctx, query,
		j.ID,
		j.GuildID,
		string(j.Type),
		string(j.Status),
		j.TotalItems,
		j.ProcessedItems,
		j.ErrorCount,
		j.CurrentCharacter,
		j.ErrorMessage,
		j.StartedAt,
		j.CompletedAt,
		j.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}

	return nil
}

// GetByID returns a job by ID.
func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*syncdom.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_jobs WHERE id = $1`
	return r.scanJob(r.conn.QueryRow(ctx, query, id))
}

// ListByGuild returns the most recent jobs for a guild, newest first.
func (r *SyncJobRepository) ListByGuild(ctx context.Context, guildID string, limit int) ([]*syncdom.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE guild_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*syncdom.Job
	for rows.Next() {
		j, err := r.scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

// SetTotalItems fixes the run size once it is known.
func (r *SyncJobRepository) SetTotalItems(ctx context.Context, id string, total int) error {
	result, err := r.conn.Exec(ctx,
		`UPDATE sync_jobs SET total_items = $1 WHERE id = $2`,
		total, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set total items: %w", err)
	}

	if result.RowsAffected() == 0 {
		return syncdom.ErrNotFound
	}

	return nil
}

// IncrementProgress atomically advances the progress counters.
func (r *SyncJobRepository) IncrementProgress(ctx context.Context, id string, errDelta int, currentCharacter string) error {
	query := `
		UPDATE sync_jobs SET
			processed_items = processed_items + 1,
			error_count = error_count + $1,
			current_character = $2
		WHERE id = $3
	`

	result, err := r.conn.Exec(ctx, query, errDelta, currentCharacter, id)
	if err != nil {
		return fmt.Errorf("failed to increment progress: %w", err)
	}

	if result.RowsAffected() == 0 {
		return syncdom.ErrNotFound
	}

	return nil
}

// AddErrors atomically adds delta to the error counter.
func (r *SyncJobRepository) AddErrors(ctx context.Context, id string, delta int) error {
	result, err := r.conn.Exec(ctx,
		`UPDATE sync_jobs SET error_count = error_count + $1 WHERE id = $2`,
		delta, id,
	)
	if err != nil {
		return fmt.Errorf("failed to add errors: %w", err)
	}

	if result.RowsAffected() == 0 {
		return syncdom.ErrNotFound
	}

	return nil
}

// TryComplete attempts the running -> completed transition. The WHERE clause
// guards the state, so of any number of concurrent callers exactly one sees
// RowsAffected() == 1.
func (r *SyncJobRepository) TryComplete(ctx context.Context, id string, completedAt time.Time, durationSec int) (bool, error) {
	query := `
		UPDATE sync_jobs SET
			status = 'completed',
			completed_at = $1,
			duration_seconds = $2
		WHERE id = $3 AND status = 'running'
	`

	result, err := r.conn.Exec(ctx, query, completedAt, durationSec, id)
	if err != nil {
		return false, fmt.Errorf("failed to complete sync job: %w", err)
	}

	return result.RowsAffected() == 1, nil
}

// MarkFailed transitions the job to failed with a redacted message.
func (r *SyncJobRepository) MarkFailed(ctx context.Context, id string, errorMessage string, completedAt time.Time, durationSec int) error {
	query := `
		UPDATE sync_jobs SET
			status = 'failed',
			error_message = $1,
			completed_at = $2,
			duration_seconds = $3
		WHERE id = $4 AND status = 'running'
	`

	_, err := r.conn.Exec(ctx, query,
		syncdom.Redact(errorMessage),
		completedAt,
		durationSec,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark sync job failed: %w", err)
	}

	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ──────────────────────────────────────────────────────────────────────────────

func (r *SyncJobRepository) scanJob(row pgx.Row) (*syncdom.Job, error) {
	var j syncdom.Job
	var jobType, status string

	err := row.Scan(
		&j.ID,
		&j.GuildID,
		&jobType,
		&status,
		&j.TotalItems,
		&j.ProcessedItems,
		&j.ErrorCount,
		&j.CurrentCharacter,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.CompletedAt,
		&j.Duration,
	)

	if IsNoRows(err) {
		return nil, syncdom.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}

	j.Type = syncdom.JobType(jobType)
	j.Status = syncdom.Status(status)
	return &j, nil
}

func (r *SyncJobRepository) scanJobFromRows(rows pgx.Rows) (*syncdom.Job, error) {
	var j syncdom.Job
	var jobType, status string

	err := rows.Scan(
		&j.ID,
		&j.GuildID,
		&jobType,
		&status,
		&j.TotalItems,
		&j.ProcessedItems,
		&j.ErrorCount,
		&j.CurrentCharacter,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.CompletedAt,
		&j.Duration,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync job: %w", err)
	}

	j.Type = syncdom.JobType(jobType)
	j.Status = syncdom.Status(status)
	return &j, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC ERROR REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SyncErrorRepository implements sync.ErrorRepository for PostgreSQL.
type SyncErrorRepository struct {
	conn *Connection
}

// NewSyncErrorRepository creates a new SyncErrorRepository.
func NewSyncErrorRepository(conn *Connection) *SyncErrorRepository {
	return &SyncErrorRepository{conn: conn}
}

// Record appends one failure record.
func (r *SyncErrorRepository) Record(ctx context.Context, e *syncdom.SyncError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sync_errors (
			id, guild_id, character_name, realm, error_type, error_message, service, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.conn.Exec(ctx, query,
		e.ID,
		e.GuildID,
		e.CharacterName,
		e.Realm,
		e.ErrorType,
		syncdom.Redact(e.ErrorMessage),
		e.Service,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}

	return nil
}

// ListByGuild returns recent failure records for a guild, newest first.
func (r *SyncErrorRepository) ListByGuild(ctx context.Context, guildID string, limit int) ([]*syncdom.SyncError, error) {
	query := `
		SELECT id, guild_id, character_name, realm, error_type, error_message, service, created_at
		FROM sync_errors
		WHERE guild_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync errors: %w", err)
	}
	defer rows.Close()

	var errs []*syncdom.SyncError
	for rows.Next() {
		var e syncdom.SyncError
		err := rows.Scan(
			&e.ID,
			&e.GuildID,
			&e.CharacterName,
			&e.Realm,
			&e.ErrorType,
			&e.ErrorMessage,
			&e.Service,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync error: %w", err)
		}
		errs = append(errs, &e)
	}

	return errs, rows.Err()
}
