package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
)

// ══════════════════════════════════════════════════════════════════════════════
// GUILD REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// GuildRepository implements guild.Repository for PostgreSQL.
type GuildRepository struct {
	conn *Connection
}

// NewGuildRepository creates a new GuildRepository.
func NewGuildRepository(conn *Connection) *GuildRepository {
	return &GuildRepository{conn: conn}
}

const guildColumns = `
	id, name, realm, region,
	sync_enabled, discovery_interval_hours, active_sync_interval_min, activity_window_days,
	crest_emblem_id, crest_emblem_color, crest_border_id, crest_border_color, crest_bg_color,
	member_count, last_discovery_at, last_active_sync_at, created_at, updated_at
`

// Create persists a new guild and assigns its ID.
func (r *GuildRepository) Create(ctx context.Context, g *guild.Guild) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}

	query := `
		INSERT INTO guilds (
			id, name, realm, region,
			sync_enabled, discovery_interval_hours, active_sync_interval_min, activity_window_days,
			crest_emblem_id, crest_emblem_color, crest_border_id, crest_border_color, crest_bg_color,
			member_count, last_discovery_at, last_active_sync_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := r.conn.Exec(ctx, query,
		g.ID,
		g.Name,
		g.Realm,
		string(g.Region),
		g.SyncEnabled,
		g.DiscoveryIntervalHours,
		g.ActiveSyncIntervalMin,
		g.ActivityWindowDays,
		g.Crest.EmblemID,
		g.Crest.EmblemColor,
		g.Crest.BorderID,
		g.Crest.BorderColor,
		g.Crest.BgColor,
		g.MemberCount,
		g.LastDiscoveryAt,
		g.LastActiveSyncAt,
		g.CreatedAt,
		g.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("guild %q on %s-%s already tracked: %w", g.Name, g.Region, g.Realm, err)
		}
		return fmt.Errorf("failed to create guild: %w", err)
	}

	return nil
}

// GetByID returns a guild by ID.
func (r *GuildRepository) GetByID(ctx context.Context, id string) (*guild.Guild, error) {
	query := `SELECT ` + guildColumns + ` FROM guilds WHERE id = $1`
	return r.scanGuild(r.conn.QueryRow(ctx, query, id))
}

// GetByNaturalKey returns a guild by (name, realm, region).
func (r *GuildRepository) GetByNaturalKey(ctx context.Context, name, realm string, region guild.Region) (*guild.Guild, error) {
	query := `SELECT ` + guildColumns + ` FROM guilds WHERE name = $1 AND realm = $2 AND region = $3`
	return r.scanGuild(r.conn.QueryRow(ctx, query, name, realm, string(region)))
}

// ListSyncEnabled returns all guilds with syncing enabled.
func (r *GuildRepository) ListSyncEnabled(ctx context.Context) ([]*guild.Guild, error) {
	query := `SELECT ` + guildColumns + ` FROM guilds WHERE sync_enabled ORDER BY created_at`

	rows, err := r.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync-enabled guilds: %w", err)
	}
	defer rows.Close()

	return r.scanGuilds(rows)
}

// UpdateDiscoveryResult records a completed discovery pass in one update.
func (r *GuildRepository) UpdateDiscoveryResult(ctx context.Context, id string, memberCount int, crest guild.Crest) error {
	query := `
		UPDATE guilds SET
			member_count = $1,
			crest_emblem_id = $2,
			crest_emblem_color = $3,
			crest_border_id = $4,
			crest_border_color = $5,
			crest_bg_color = $6,
			last_discovery_at = $7,
			updated_at = $7
		WHERE id = $8
	`

	result, err := r.conn.Exec(ctx, query,
		memberCount,
		crest.EmblemID,
		crest.EmblemColor,
		crest.BorderID,
		crest.BorderColor,
		crest.BgColor,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update discovery result: %w", err)
	}

	if result.RowsAffected() == 0 {
		return guild.ErrNotFound
	}

	return nil
}

// TouchActiveSync updates lastActiveSyncAt.
func (r *GuildRepository) TouchActiveSync(ctx context.Context, id string) error {
	query := `UPDATE guilds SET last_active_sync_at = $1, updated_at = $1 WHERE id = $2`

	result, err := r.conn.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch active sync: %w", err)
	}

	if result.RowsAffected() == 0 {
		return guild.ErrNotFound
	}

	return nil
}

// Delete removes a guild. Members, jobs and errors cascade.
func (r *GuildRepository) Delete(ctx context.Context, id string) error {
	result, err := r.conn.Exec(ctx, `DELETE FROM guilds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete guild: %w", err)
	}

	if result.RowsAffected() == 0 {
		return guild.ErrNotFound
	}

	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ──────────────────────────────────────────────────────────────────────────────

func (r *GuildRepository) scanGuild(row pgx.Row) (*guild.Guild, error) {
	var g guild.Guild
	var region string

	err := row.Scan(
		&g.ID,
		&g.Name,
		&g.Realm,
		&region,
		&g.SyncEnabled,
		&g.DiscoveryIntervalHours,
		&g.ActiveSyncIntervalMin,
		&g.ActivityWindowDays,
		&g.Crest.EmblemID,
		&g.Crest.EmblemColor,
		&g.Crest.BorderID,
		&g.Crest.BorderColor,
		&g.Crest.BgColor,
		&g.MemberCount,
		&g.LastDiscoveryAt,
		&g.LastActiveSyncAt,
		&g.CreatedAt,
		&g.UpdatedAt,
	)

	if IsNoRows(err) {
		return nil, guild.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan guild: %w", err)
	}

	g.Region = guild.Region(region)
	return &g, nil
}

func (r *GuildRepository) scanGuilds(rows pgx.Rows) ([]*guild.Guild, error) {
	var guilds []*guild.Guild

	for rows.Next() {
		var g guild.Guild
		var region string

		err := rows.Scan(
			&g.ID,
			&g.Name,
			&g.Realm,
			&region,
			&g.SyncEnabled,
			&g.DiscoveryIntervalHours,
			&g.ActiveSyncIntervalMin,
			&g.ActivityWindowDays,
			&g.Crest.EmblemID,
			&g.Crest.EmblemColor,
			&g.Crest.BorderID,
			&g.Crest.BorderColor,
			&g.Crest.BgColor,
			&g.MemberCount,
			&g.LastDiscoveryAt,
			&g.LastActiveSyncAt,
			&g.CreatedAt,
			&g.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guild: %w", err)
		}

		g.Region = guild.Region(region)
		guilds = append(guilds, &g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return guilds, nil
}
