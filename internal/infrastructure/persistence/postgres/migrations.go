package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time

		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}

		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Migrate applies all pending migrations.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}

		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}

			insertQuery := fmt.Sprintf(
				"INSERT INTO %s (version, name) VALUES ($1, $2)",
				m.tableName,
			)
			_, err := tx.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}

	return nil
}

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_guilds",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
		{
			Version: 2,
			Name:    "create_guild_members",
			UpSQL:   migration002Up,
			DownSQL: migration002Down,
		},
		{
			Version: 3,
			Name:    "create_sync_jobs",
			UpSQL:   migration003Up,
			DownSQL: migration003Down,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS guilds (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	realm TEXT NOT NULL,
	region TEXT NOT NULL,

	sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
	discovery_interval_hours INTEGER NOT NULL DEFAULT 24,
	active_sync_interval_min INTEGER NOT NULL DEFAULT 60,
	activity_window_days INTEGER NOT NULL DEFAULT 30,

	crest_emblem_id INTEGER NOT NULL DEFAULT 0,
	crest_emblem_color TEXT NOT NULL DEFAULT '',
	crest_border_id INTEGER NOT NULL DEFAULT 0,
	crest_border_color TEXT NOT NULL DEFAULT '',
	crest_bg_color TEXT NOT NULL DEFAULT '',

	member_count INTEGER NOT NULL DEFAULT 0,
	last_discovery_at TIMESTAMP WITH TIME ZONE,
	last_active_sync_at TIMESTAMP WITH TIME ZONE,
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

	CONSTRAINT uq_guilds_natural_key UNIQUE (name, realm, region)
);

CREATE INDEX IF NOT EXISTS idx_guilds_sync_enabled ON guilds (sync_enabled) WHERE sync_enabled;
`

const migration001Down = `
DROP TABLE IF EXISTS guilds;
`

const migration002Up = `
CREATE TABLE IF NOT EXISTS guild_members (
	id UUID PRIMARY KEY,
	guild_id UUID NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	character_name TEXT NOT NULL,
	realm TEXT NOT NULL,

	character_class TEXT NOT NULL DEFAULT '',
	level INTEGER NOT NULL DEFAULT 0,
	character_api_url TEXT NOT NULL DEFAULT '',

	item_level INTEGER NOT NULL DEFAULT 0,
	mythic_plus_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_season TEXT NOT NULL DEFAULT '',
	achievement_points INTEGER NOT NULL DEFAULT 0,
	pvp_2v2_rating INTEGER NOT NULL DEFAULT 0,
	pvp_3v3_rating INTEGER NOT NULL DEFAULT 0,
	pvp_rbg_rating INTEGER NOT NULL DEFAULT 0,
	solo_shuffle_rating INTEGER NOT NULL DEFAULT 0,
	max_solo_shuffle_rating INTEGER NOT NULL DEFAULT 0,
	rbg_blitz_rating INTEGER NOT NULL DEFAULT 0,
	raid_progress TEXT NOT NULL DEFAULT '',
	weekly_keys_completed INTEGER NOT NULL DEFAULT 0,
	weekly_best_key_level INTEGER NOT NULL DEFAULT 0,
	weekly_slot2_key_level INTEGER NOT NULL DEFAULT 0,
	weekly_slot3_key_level INTEGER NOT NULL DEFAULT 0,

	last_login_timestamp BIGINT NOT NULL DEFAULT 0,
	activity_status TEXT NOT NULL DEFAULT 'unknown',
	last_activity_check TIMESTAMP WITH TIME ZONE,

	last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

	CONSTRAINT uq_members_natural_key UNIQUE (guild_id, character_name, realm)
);

CREATE INDEX IF NOT EXISTS idx_members_guild ON guild_members (guild_id);
CREATE INDEX IF NOT EXISTS idx_members_last_login ON guild_members (guild_id, last_login_timestamp DESC);
`

const migration002Down = `
DROP TABLE IF EXISTS guild_members;
`

const migration003Up = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	id UUID PRIMARY KEY,
	guild_id UUID NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',

	total_items INTEGER NOT NULL DEFAULT 0,
	processed_items INTEGER NOT NULL DEFAULT 0,
	error_count INTEGER NOT NULL DEFAULT 0,
	current_character TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',

	started_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMP WITH TIME ZONE,
	duration_seconds INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_jobs_guild ON sync_jobs (guild_id, started_at DESC);

CREATE TABLE IF NOT EXISTS sync_errors (
	id UUID PRIMARY KEY,
	guild_id UUID NOT NULL REFERENCES guilds(id) ON DELETE CASCADE,
	character_name TEXT NOT NULL DEFAULT '',
	realm TEXT NOT NULL DEFAULT '',
	error_type TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	service TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sync_errors_guild ON sync_errors (guild_id, created_at DESC);
`

const migration003Down = `
DROP TABLE IF EXISTS sync_errors;
DROP TABLE IF EXISTS sync_jobs;
`
