// Package raiderio implements the community stats API client. It is the
// primary source for mythic+ scores, raid progress and weekly key history;
// the official API fills in what it does not cover.
package raiderio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	"github.com/guildhub/guild-sync-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the stats API client.
type ClientConfig struct {
	// BaseURL is the API base URL.
	BaseURL string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL: "https://raider.io/api/v1",
		Timeout: 30 * time.Second,
	}
}

// profileFields is the field list requested from the characters endpoint.
const profileFields = "mythic_plus_scores_by_season:current,raid_progression,gear,mythic_plus_weekly_highest_level_runs"

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrCharacterNotFound is returned when the character is unknown to the
	// stats API. Fresh characters often are; callers fall back to the
	// official API.
	ErrCharacterNotFound = errors.New("raiderio: character not found")
)

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("raiderio: api returned status %d", e.StatusCode)
}

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

// CharacterStats is the normalized stats snapshot from the community API.
type CharacterStats struct {
	ItemLevel       int
	MythicPlusScore float64
	CurrentSeason   string
	RaidProgress    string

	WeeklyKeysCompleted int
	WeeklyBestKeyLevel  int
	WeeklySlot2KeyLevel int
	WeeklySlot3KeyLevel int
}

// Weekly key slot thresholds: the vault rewards for completing 1, 4 and 8
// keys are driven by the 1st, 4th and 8th highest runs of the week.
const (
	slot2RunIndex = 3
	slot3RunIndex = 7
)

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the community stats API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	retrier    *retry.Retrier
	logger     *slog.Logger
}

// NewClient creates a new stats API client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retrier: retry.New(
			retry.WithInitialDelay(500*time.Millisecond),
			retry.WithMaxDelay(5*time.Second),
		),
		logger: config.Logger,
	}
}

// CharacterStats fetches the stats profile for one character. Transient
// upstream failures (network errors, 5xx) are retried with backoff; unknown
// characters are not.
func (c *Client) CharacterStats(ctx context.Context, region guild.Region, realm, name string) (*CharacterStats, error) {
	params := url.Values{}
	params.Set("region", region.String())
	params.Set("realm", realm)
	params.Set("name", name)
	params.Set("fields", profileFields)

	fullURL := c.config.BaseURL + "/characters/profile?" + params.Encode()

	var stats *CharacterStats
	err := c.retrier.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		stats, fetchErr = c.fetchProfile(ctx, fullURL)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) fetchProfile(ctx context.Context, fullURL string) (*CharacterStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("execute request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		// The API answers 400 for characters it has never crawled.
		return nil, retry.Permanent(ErrCharacterNotFound)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.Retryable(&APIError{StatusCode: resp.StatusCode})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(&APIError{StatusCode: resp.StatusCode})
	}

	var profile profileResponse
	if err := json.Unmarshal(body, &profile); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse response: %w", err))
	}

	return c.normalize(&profile), nil
}

// normalize maps the raw profile into the snapshot the hub stores.
func (c *Client) normalize(p *profileResponse) *CharacterStats {
	stats := &CharacterStats{
		ItemLevel:    p.Gear.ItemLevelEquipped,
		RaidProgress: bestRaidSummary(p.RaidProgression),
	}

	if len(p.MythicPlusScoresBySeason) > 0 {
		current := p.MythicPlusScoresBySeason[0]
		stats.MythicPlusScore = current.Scores.All
		stats.CurrentSeason = current.Season
	}

	if len(p.WeeklyRuns) > 0 {
		levels := make([]int, 0, len(p.WeeklyRuns))
		for _, run := range p.WeeklyRuns {
			levels = append(levels, run.MythicLevel)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(levels)))

		stats.WeeklyKeysCompleted = len(levels)
		stats.WeeklyBestKeyLevel = levels[0]
		if len(levels) > slot2RunIndex {
			stats.WeeklySlot2KeyLevel = levels[slot2RunIndex]
		}
		if len(levels) > slot3RunIndex {
			stats.WeeklySlot3KeyLevel = levels[slot3RunIndex]
		}
	}

	return stats
}

// bestRaidSummary picks the most advanced raid summary, preferring mythic
// over heroic over normal progress.
func bestRaidSummary(raids map[string]raidProgression) string {
	best := ""
	bestRank := -1

	for _, prog := range raids {
		rank := difficultyRank(prog.Summary)
		if rank > bestRank || (rank == bestRank && prog.Summary > best) {
			best = prog.Summary
			bestRank = rank
		}
	}

	return best
}

func difficultyRank(summary string) int {
	switch {
	case strings.HasSuffix(summary, "M"):
		return 3
	case strings.HasSuffix(summary, "H"):
		return 2
	case strings.HasSuffix(summary, "N"):
		return 1
	default:
		return 0
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Response shapes
// ──────────────────────────────────────────────────────────────────────────────

type profileResponse struct {
	Name string `json:"name"`
	Gear struct {
		ItemLevelEquipped int `json:"item_level_equipped"`
	} `json:"gear"`
	MythicPlusScoresBySeason []struct {
		Season string `json:"season"`
		Scores struct {
			All float64 `json:"all"`
		} `json:"scores"`
	} `json:"mythic_plus_scores_by_season"`
	RaidProgression map[string]raidProgression `json:"raid_progression"`
	WeeklyRuns      []struct {
		MythicLevel int `json:"mythic_level"`
	} `json:"mythic_plus_weekly_highest_level_runs"`
}

type raidProgression struct {
	Summary string `json:"summary"`
}
