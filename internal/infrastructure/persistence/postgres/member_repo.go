package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
)

// ══════════════════════════════════════════════════════════════════════════════
// MEMBER REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// MemberRepository implements guild.MemberRepository for PostgreSQL.
type MemberRepository struct {
	conn *Connection
}

// NewMemberRepository creates a new MemberRepository.
func NewMemberRepository(conn *Connection) *MemberRepository {
	return &MemberRepository{conn: conn}
}

const memberColumns = `
	id, guild_id, character_name, realm,
	character_class, level, character_api_url,
	item_level, mythic_plus_score, current_season, achievement_points,
	pvp_2v2_rating, pvp_3v3_rating, pvp_rbg_rating,
	solo_shuffle_rating, max_solo_shuffle_rating, rbg_blitz_rating,
	raid_progress, weekly_keys_completed, weekly_best_key_level,
	weekly_slot2_key_level, weekly_slot3_key_level,
	last_login_timestamp, activity_status, last_activity_check,
	last_updated, created_at
`

// Upsert creates or updates a member by natural key. On conflict only the
// roster fields are rewritten; statistics stay as the last sync left them.
func (r *MemberRepository) Upsert(ctx context.Context, m *guild.Member) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO guild_members (
			id, guild_id, character_name, realm,
			character_class, level, character_api_url,
			activity_status, last_updated, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (guild_id, character_name, realm) DO UPDATE SET
			character_class = EXCLUDED.character_class,
			level = EXCLUDED.level,
			character_api_url = EXCLUDED.character_api_url,
			last_updated = EXCLUDED.last_updated
	`

	status := m.ActivityStatus
	if status == "" {
		status = guild.ActivityUnknown
	}

	_, err := r.conn.Exec(ctx, query,
		m.ID,
		m.GuildID,
		m.CharacterName,
		m.Realm,
		m.CharacterClass,
		m.Level,
		m.CharacterAPIURL,
		string(status),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert member %s: %w", m.Key(), err)
	}

	return nil
}

// UpdateStats overwrites the statistics fields of an existing member.
func (r *MemberRepository) UpdateStats(ctx context.Context, m *guild.Member) error {
	query := `
		UPDATE guild_members SET
			item_level = $1,
			mythic_plus_score = $2,
			current_season = $3,
			achievement_points = $4,
			pvp_2v2_rating = $5,
			pvp_3v3_rating = $6,
			pvp_rbg_rating = $7,
			solo_shuffle_rating = $8,
			max_solo_shuffle_rating = $9,
			rbg_blitz_rating = $10,
			raid_progress = $11,
			weekly_keys_completed = $12,
			weekly_best_key_level = $13,
			weekly_slot2_key_level = $14,
			weekly_slot3_key_level = $15,
			last_updated = $16
		WHERE guild_id = $17 AND character_name = $18 AND realm = $19
	`

	result, err := r.conn.Exec(ctx, query,
		m.ItemLevel,
		m.MythicPlusScore,
		m.CurrentSeason,
		m.AchievementPoints,
		m.PvP2v2Rating,
		m.PvP3v3Rating,
		m.PvPRBGRating,
		m.SoloShuffleRating,
		m.MaxSoloShuffleRating,
		m.RBGBlitzRating,
		m.RaidProgress,
		m.WeeklyKeysCompleted,
		m.WeeklyBestKeyLevel,
		m.WeeklySlot2KeyLevel,
		m.WeeklySlot3KeyLevel,
		time.Now().UTC(),
		m.GuildID,
		m.CharacterName,
		m.Realm,
	)
	if err != nil {
		return fmt.Errorf("failed to update member stats %s: %w", m.Key(), err)
	}

	if result.RowsAffected() == 0 {
		return guild.ErrNotFound
	}

	return nil
}

// UpdateActivity records an activity check outcome. A zero lastLogin keeps the
// stored timestamp, so a failed lookup never erases known login history.
func (r *MemberRepository) UpdateActivity(ctx context.Context, guildID, characterName, realm string, lastLogin int64, status guild.ActivityStatus) error {
	query := `
		UPDATE guild_members SET
			last_login_timestamp = CASE WHEN $1 > 0 THEN $1 ELSE last_login_timestamp END,
			activity_status = $2,
			last_activity_check = $3,
			last_updated = $3
		WHERE guild_id = $4 AND character_name = $5 AND realm = $6
	`

	result, err := r.conn.Exec(ctx, query,
		lastLogin,
		string(status),
		time.Now().UTC(),
		guildID,
		characterName,
		realm,
	)
	if err != nil {
		return fmt.Errorf("failed to update member activity: %w", err)
	}

	if result.RowsAffected() == 0 {
		return guild.ErrNotFound
	}

	return nil
}

// ListByGuild returns all members of a guild.
func (r *MemberRepository) ListByGuild(ctx context.Context, guildID string) ([]*guild.Member, error) {
	query := `SELECT ` + memberColumns + ` FROM guild_members WHERE guild_id = $1 ORDER BY character_name`

	rows, err := r.conn.Query(ctx, query, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	return r.scanMembers(rows)
}

// ListActive returns members whose last login is at or after the cutoff,
// newest logins first.
func (r *MemberRepository) ListActive(ctx context.Context, guildID string, cutoffMillis int64) ([]*guild.Member, error) {
	query := `
		SELECT ` + memberColumns + `
		FROM guild_members
		WHERE guild_id = $1 AND last_login_timestamp >= $2
		ORDER BY last_login_timestamp DESC
	`

	rows, err := r.conn.Query(ctx, query, guildID, cutoffMillis)
	if err != nil {
		return nil, fmt.Errorf("failed to list active members: %w", err)
	}
	defer rows.Close()

	return r.scanMembers(rows)
}

// DeleteByNames removes members of a guild by character name and returns how
// many rows were deleted.
func (r *MemberRepository) DeleteByNames(ctx context.Context, guildID string, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(names))
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, guildID)
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, name)
	}

	query := fmt.Sprintf(
		`DELETE FROM guild_members WHERE guild_id = $1 AND character_name IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	result, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete departed members: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ──────────────────────────────────────────────────────────────────────────────

func (r *MemberRepository) scanMembers(rows pgx.Rows) ([]*guild.Member, error) {
	var members []*guild.Member

	for rows.Next() {
		var m guild.Member
		var status string

		err := rows.Scan(
			&m.ID,
			&m.GuildID,
			&m.CharacterName,
			&m.Realm,
			&m.CharacterClass,
			&m.Level,
			&m.CharacterAPIURL,
			&m.ItemLevel,
			&m.MythicPlusScore,
			&m.CurrentSeason,
			&m.AchievementPoints,
			&m.PvP2v2Rating,
			&m.PvP3v3Rating,
			&m.PvPRBGRating,
			&m.SoloShuffleRating,
			&m.MaxSoloShuffleRating,
			&m.RBGBlitzRating,
			&m.RaidProgress,
			&m.WeeklyKeysCompleted,
			&m.WeeklyBestKeyLevel,
			&m.WeeklySlot2KeyLevel,
			&m.WeeklySlot3KeyLevel,
			&m.LastLoginTimestamp,
			&status,
			&m.LastActivityCheck,
			&m.LastUpdated,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}

		m.ActivityStatus = guild.ActivityStatus(status)
		members = append(members, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return members, nil
}
