package guild

import "context"

// Repository defines persistence operations for guilds.
type Repository interface {
	// Create persists a new guild and assigns its ID.
	Create(ctx context.Context, g *Guild) error

	// GetByID returns a guild by ID, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*Guild, error)

	// GetByNaturalKey returns a guild by (name, realm, region), or ErrNotFound.
	GetByNaturalKey(ctx context.Context, name, realm string, region Region) (*Guild, error)

	// ListSyncEnabled returns all guilds with syncing enabled.
	ListSyncEnabled(ctx context.Context) ([]*Guild, error)

	// UpdateDiscoveryResult records a completed discovery pass: crest,
	// member count and lastDiscoveryAt in one update.
	UpdateDiscoveryResult(ctx context.Context, id string, memberCount int, crest Crest) error

	// TouchActiveSync updates lastActiveSyncAt.
	TouchActiveSync(ctx context.Context, id string) error

	// Delete removes a guild and everything that hangs off it (members,
	// jobs, errors) via cascading deletes.
	Delete(ctx context.Context, id string) error
}

// MemberRepository defines persistence operations for guild members.
type MemberRepository interface {
	// Upsert creates or updates a member by natural key
	// (guildID, characterName, realm). Only roster fields are written on
	// update; statistics are left untouched.
	Upsert(ctx context.Context, m *Member) error

	// UpdateStats overwrites the statistics fields of an existing member.
	UpdateStats(ctx context.Context, m *Member) error

	// UpdateActivity records an activity check outcome for one member.
	// A zero lastLogin leaves the stored timestamp untouched.
	UpdateActivity(ctx context.Context, guildID, characterName, realm string, lastLogin int64, status ActivityStatus) error

	// ListByGuild returns all members of a guild.
	ListByGuild(ctx context.Context, guildID string) ([]*Member, error)

	// ListActive returns members whose lastLoginTimestamp is at or after
	// the cutoff (milliseconds), newest logins first.
	ListActive(ctx context.Context, guildID string, cutoffMillis int64) ([]*Member, error)

	// DeleteByNames removes members of a guild by character name.
	// Used for departure reconciliation after a roster fetch.
	DeleteByNames(ctx context.Context, guildID string, names []string) (int, error)
}
