// Package provider composes the two upstream data sources into one facade.
// The community stats API is the primary source for mythic+ and raid data;
// the official game API serves as fallback and supplements achievements and
// PvP ratings, which the community API does not carry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/blizzard"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/raiderio"
)

// ══════════════════════════════════════════════════════════════════════════════
// SOURCE SELECTION
// ══════════════════════════════════════════════════════════════════════════════

// Source selects which upstream serves the primary stats fetch.
type Source string

const (
	// SourceAuto tries the community API first and falls back to the
	// official API when it fails.
	SourceAuto Source = "auto"

	// SourceStats forces the community stats API.
	SourceStats Source = "raiderio"

	// SourceOfficial forces the official game API.
	SourceOfficial Source = "blizzard"
)

// ErrAllSourcesFailed is returned when no upstream produced stats.
var ErrAllSourcesFailed = errors.New("provider: all sources failed")

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

// MemberStats is the merged stats snapshot for one character.
type MemberStats struct {
	ItemLevel       int
	MythicPlusScore float64
	CurrentSeason   string
	RaidProgress    string

	WeeklyKeysCompleted int
	WeeklyBestKeyLevel  int
	WeeklySlot2KeyLevel int
	WeeklySlot3KeyLevel int

	AchievementPoints    int
	PvP2v2Rating         int
	PvP3v3Rating         int
	PvPRBGRating         int
	SoloShuffleRating    int
	MaxSoloShuffleRating int
	RBGBlitzRating       int

	// PrimarySource records which upstream served the base stats.
	PrimarySource Source
}

// ApplyTo copies the snapshot onto a member entity.
func (s *MemberStats) ApplyTo(m *guild.Member) {
	m.ItemLevel = s.ItemLevel
	m.MythicPlusScore = s.MythicPlusScore
	m.CurrentSeason = s.CurrentSeason
	m.RaidProgress = s.RaidProgress
	m.WeeklyKeysCompleted = s.WeeklyKeysCompleted
	m.WeeklyBestKeyLevel = s.WeeklyBestKeyLevel
	m.WeeklySlot2KeyLevel = s.WeeklySlot2KeyLevel
	m.WeeklySlot3KeyLevel = s.WeeklySlot3KeyLevel
	m.AchievementPoints = s.AchievementPoints
	m.PvP2v2Rating = s.PvP2v2Rating
	m.PvP3v3Rating = s.PvP3v3Rating
	m.PvPRBGRating = s.PvPRBGRating
	m.SoloShuffleRating = s.SoloShuffleRating
	m.MaxSoloShuffleRating = s.MaxSoloShuffleRating
	m.RBGBlitzRating = s.RBGBlitzRating
}

// ActivityResult is the outcome of one member's activity probe.
type ActivityResult struct {
	CharacterName string
	Realm         string

	// LastLoginMillis is zero when the probe learned nothing new.
	LastLoginMillis int64
	Status          guild.ActivityStatus
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Config contains configuration for the provider service.
type Config struct {
	// ActivityDelay paces bulk activity probes.
	ActivityDelay time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ActivityDelay: 200 * time.Millisecond,
	}
}

// Service is the dual-source data provider.
type Service struct {
	config   Config
	stats    *raiderio.Client
	official *blizzard.Client
	logger   *slog.Logger

	// activityLimiter enforces the inter-probe delay across callers.
	activityLimiter *rate.Limiter
}

// NewService creates a new provider service.
func NewService(config Config, stats *raiderio.Client, official *blizzard.Client) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ActivityDelay <= 0 {
		config.ActivityDelay = 200 * time.Millisecond
	}

	return &Service{
		config:          config,
		stats:           stats,
		official:        official,
		logger:          config.Logger,
		activityLimiter: rate.NewLimiter(rate.Every(config.ActivityDelay), 1),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Member stats
// ──────────────────────────────────────────────────────────────────────────────

// MemberStats fetches the stats snapshot for one character. The primary
// fetch honors the source selection; the official API supplement runs
// regardless, and its failure degrades the snapshot instead of failing it.
// apiURL is the character's stored official-API handle from discovery;
// empty or stale handles fall back to the lookup path.
func (s *Service) MemberStats(ctx context.Context, region guild.Region, realm, name, apiURL string, source Source) (*MemberStats, error) {
	if source == "" {
		source = SourceAuto
	}

	result, err := s.primaryStats(ctx, region, realm, name, apiURL, source)
	if err != nil {
		return nil, err
	}

	s.supplementFromOfficial(ctx, region, realm, name, apiURL, result)
	return result, nil
}

func (s *Service) primaryStats(ctx context.Context, region guild.Region, realm, name, apiURL string, source Source) (*MemberStats, error) {
	if source == SourceStats || source == SourceAuto {
		stats, err := s.stats.CharacterStats(ctx, region, realm, name)
		if err == nil {
			return &MemberStats{
				ItemLevel:           stats.ItemLevel,
				MythicPlusScore:     stats.MythicPlusScore,
				CurrentSeason:       stats.CurrentSeason,
				RaidProgress:        stats.RaidProgress,
				WeeklyKeysCompleted: stats.WeeklyKeysCompleted,
				WeeklyBestKeyLevel:  stats.WeeklyBestKeyLevel,
				WeeklySlot2KeyLevel: stats.WeeklySlot2KeyLevel,
				WeeklySlot3KeyLevel: stats.WeeklySlot3KeyLevel,
				PrimarySource:       SourceStats,
			}, nil
		}

		if source == SourceStats {
			return nil, fmt.Errorf("stats source: %w", err)
		}

		s.logger.Debug("community stats unavailable, falling back to official API",
			"character", name, "realm", realm, "error", err)
	}

	profile, err := s.officialProfile(ctx, region, realm, name, apiURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllSourcesFailed, err)
	}

	return &MemberStats{
		ItemLevel:     profile.ItemLevel,
		PrimarySource: SourceOfficial,
	}, nil
}

// officialProfile fetches the official profile, preferring the stored API
// handle when one exists. The handle is host-validated downstream; an
// untrusted or dead handle falls back to the realm/name lookup path.
func (s *Service) officialProfile(ctx context.Context, region guild.Region, realm, name, apiURL string) (*blizzard.CharacterSummary, error) {
	if apiURL != "" {
		profile, err := s.official.CharacterProfileByURL(ctx, apiURL)
		if err == nil {
			return profile, nil
		}
		s.logger.Debug("stored profile handle failed, using lookup path",
			"character", name, "realm", realm, "error", err)
	}

	return s.official.CharacterProfile(ctx, region, realm, name)
}

// supplementFromOfficial layers achievements and PvP ratings on top of the
// primary snapshot. Each supplement fails independently.
func (s *Service) supplementFromOfficial(ctx context.Context, region guild.Region, realm, name, apiURL string, result *MemberStats) {
	if profile, err := s.officialProfile(ctx, region, realm, name, apiURL); err == nil {
		result.AchievementPoints = profile.AchievementPoints
		if result.ItemLevel == 0 {
			result.ItemLevel = profile.ItemLevel
		}
	} else {
		s.logger.Debug("achievement supplement failed", "character", name, "error", err)
	}

	if pvp, err := s.official.CharacterPvP(ctx, region, realm, name); err == nil {
		result.PvP2v2Rating = pvp.TwoVTwo
		result.PvP3v3Rating = pvp.ThreeVThree
		result.PvPRBGRating = pvp.RBG
		result.SoloShuffleRating = pvp.SoloShuffle
		result.MaxSoloShuffleRating = pvp.MaxSoloShuffle
		result.RBGBlitzRating = pvp.RBGBlitz
	} else {
		s.logger.Debug("pvp supplement failed", "character", name, "error", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Activity probes
// ──────────────────────────────────────────────────────────────────────────────

// CheckActivity probes one character and classifies the result against the
// given window reference time. Characters the upstream no longer knows come
// back inactive; a failed probe comes back unknown.
func (s *Service) CheckActivity(ctx context.Context, region guild.Region, realm, name string, now time.Time) ActivityResult {
	result := ActivityResult{
		CharacterName: name,
		Realm:         realm,
	}

	activity, err := s.official.CharacterActivity(ctx, region, realm, name)
	if err != nil {
		s.logger.Debug("activity probe failed", "character", name, "realm", realm, "error", err)
		result.Status = guild.ActivityUnknown
		return result
	}

	if !activity.Found {
		result.Status = guild.ActivityInactive
		return result
	}

	result.LastLoginMillis = activity.LastLoginMillis
	result.Status = guild.ClassifyActivity(activity.LastLoginMillis, now)
	return result
}

// BulkCheckActivity probes members sequentially, pacing requests so the
// upstream never sees a burst. The context cancels the whole sweep.
func (s *Service) BulkCheckActivity(ctx context.Context, region guild.Region, members []*guild.Member) ([]ActivityResult, error) {
	results := make([]ActivityResult, 0, len(members))
	now := time.Now().UTC()

	for _, m := range members {
		if err := s.activityLimiter.Wait(ctx); err != nil {
			return results, err
		}

		results = append(results, s.CheckActivity(ctx, region, m.Realm, m.CharacterName, now))
	}

	return results, nil
}
