// Package guild contains the domain model for tracked guilds and their
// members. This is the core of the sync orchestrator - there are no external
// dependencies here.
package guild

import (
	"errors"
	"strings"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Region identifies the game region a guild belongs to.
type Region string

// Supported regions. Every outbound provider call validates against this set.
const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionKR Region = "kr"
	RegionTW Region = "tw"
	RegionCN Region = "cn"
)

// IsValid reports whether the region is on the allow-list.
func (r Region) IsValid() bool {
	switch r {
	case RegionUS, RegionEU, RegionKR, RegionTW, RegionCN:
		return true
	default:
		return false
	}
}

// String returns the lowercase string form of the region.
func (r Region) String() string {
	return string(r)
}

// ParseRegion normalizes and validates a region string.
func ParseRegion(s string) (Region, error) {
	r := Region(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", ErrInvalidRegion
	}
	return r, nil
}

// ActivityStatus classifies how recently a character logged in.
type ActivityStatus string

const (
	// ActivityActive - last login within the activity window.
	ActivityActive ActivityStatus = "active"
	// ActivityInactive - last login outside the window, or never observed.
	ActivityInactive ActivityStatus = "inactive"
	// ActivityUnknown - the activity lookup itself failed.
	ActivityUnknown ActivityStatus = "unknown"
)

// IsValid reports whether the status is one of the known values.
func (s ActivityStatus) IsValid() bool {
	switch s {
	case ActivityActive, ActivityInactive, ActivityUnknown:
		return true
	default:
		return false
	}
}

// ActiveLoginWindowDays is the classification boundary: a character whose
// last login is at most this many days old counts as active.
const ActiveLoginWindowDays = 30

// ClassifyActivity applies the activity rule to a last-login timestamp
// (milliseconds since epoch). A zero timestamp classifies as inactive.
func ClassifyActivity(lastLoginMillis int64, now time.Time) ActivityStatus {
	if lastLoginMillis <= 0 {
		return ActivityInactive
	}
	lastLogin := time.UnixMilli(lastLoginMillis)
	days := int(now.Sub(lastLogin).Hours() / 24)
	if days <= ActiveLoginWindowDays {
		return ActivityActive
	}
	return ActivityInactive
}

// Crest holds guild visual metadata as returned by the official game API.
// Colors are stored as "r,g,b,a" strings; zero-value means "no crest".
type Crest struct {
	EmblemID    int
	EmblemColor string
	BorderID    int
	BorderColor string
	BgColor     string
}

// IsEmpty reports whether no crest data is present.
func (c Crest) IsEmpty() bool {
	return c == Crest{}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENTITIES
// ══════════════════════════════════════════════════════════════════════════════

// Guild is a tracked guild together with its sync configuration.
// (Name, Realm, Region) form the natural key.
type Guild struct {
	ID     string
	Name   string
	Realm  string
	Region Region

	// Sync configuration
	SyncEnabled            bool
	DiscoveryIntervalHours int
	ActiveSyncIntervalMin  int
	ActivityWindowDays     int

	// Visual metadata, refreshed best-effort during discovery.
	Crest Crest

	// Bookkeeping
	MemberCount      int
	LastDiscoveryAt  *time.Time
	LastActiveSyncAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Default sync configuration applied on registration.
const (
	DefaultDiscoveryIntervalHours = 24
	DefaultActiveSyncIntervalMin  = 60
	DefaultActivityWindowDays     = 30
)

// NewGuild creates a guild with default sync configuration.
// The ID is assigned by the persistence layer.
func NewGuild(name, realm string, region Region) (*Guild, error) {
	name = strings.TrimSpace(name)
	realm = strings.ToLower(strings.TrimSpace(realm))
	if name == "" || realm == "" {
		return nil, ErrInvalidName
	}
	if !region.IsValid() {
		return nil, ErrInvalidRegion
	}

	now := time.Now().UTC()
	return &Guild{
		Name:                   name,
		Realm:                  realm,
		Region:                 region,
		SyncEnabled:            true,
		DiscoveryIntervalHours: DefaultDiscoveryIntervalHours,
		ActiveSyncIntervalMin:  DefaultActiveSyncIntervalMin,
		ActivityWindowDays:     DefaultActivityWindowDays,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// ActivityCutoff returns the oldest last-login timestamp (milliseconds) that
// still counts as "recently active" for this guild's configured window.
func (g *Guild) ActivityCutoff(now time.Time) int64 {
	window := g.ActivityWindowDays
	if window <= 0 {
		window = DefaultActivityWindowDays
	}
	return now.Add(-time.Duration(window) * 24 * time.Hour).UnixMilli()
}

// Member is a point-in-time snapshot of one guild character.
// (GuildID, CharacterName, Realm) form the natural key.
type Member struct {
	ID            string
	GuildID       string
	CharacterName string
	Realm         string

	// Roster fields (refreshed by discovery)
	CharacterClass  string
	Level           int
	CharacterAPIURL string

	// Statistics (refreshed by active sync)
	ItemLevel            int
	MythicPlusScore      float64
	CurrentSeason        string
	AchievementPoints    int
	PvP2v2Rating         int
	PvP3v3Rating         int
	PvPRBGRating         int
	SoloShuffleRating    int
	MaxSoloShuffleRating int
	RBGBlitzRating       int
	RaidProgress         string
	WeeklyKeysCompleted  int
	WeeklyBestKeyLevel   int
	WeeklySlot2KeyLevel  int
	WeeklySlot3KeyLevel  int

	// Activity fields
	LastLoginTimestamp int64 // milliseconds since epoch, 0 = never observed
	ActivityStatus     ActivityStatus
	LastActivityCheck  *time.Time

	LastUpdated time.Time
	CreatedAt   time.Time
}

// Key returns the natural member key within a guild.
func (m *Member) Key() string {
	return m.CharacterName + "@" + m.Realm
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotFound is returned when a guild or member does not exist.
	ErrNotFound = errors.New("guild: not found")

	// ErrInvalidRegion is returned for regions outside the allow-list.
	ErrInvalidRegion = errors.New("guild: invalid region")

	// ErrInvalidName is returned for empty guild names or realms.
	ErrInvalidName = errors.New("guild: invalid name or realm")

	// ErrDuplicateMember is returned when the (guild, character, realm)
	// uniqueness constraint is violated.
	ErrDuplicateMember = errors.New("guild: duplicate member")
)
