package blizzard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the game API client.
type ClientConfig struct {
	// BaseURL is the regional API base URL template. "%s" is replaced with
	// the region subdomain.
	BaseURL string

	// Locale for localized fields.
	Locale string

	// Timeout is the default HTTP request timeout.
	Timeout time.Duration

	// ActivityTimeout is the shorter timeout used for activity probes, which
	// run in bulk and must not stall a whole check run.
	ActivityTimeout time.Duration

	// ProfileURLPattern validates stored API URLs before they are followed.
	// Nil means the official regional hosts.
	ProfileURLPattern *regexp.Regexp

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:         "https://%s.api.blizzard.com",
		Locale:          "en_US",
		Timeout:         30 * time.Second,
		ActivityTimeout: 10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidRegion is returned when a region is outside the allow-list.
	ErrInvalidRegion = errors.New("blizzard: invalid region")

	// ErrUntrustedURL is returned when a stored profile URL does not point
	// at the official API host.
	ErrUntrustedURL = errors.New("blizzard: refusing to call untrusted URL")
)

// profileURLRe validates stored character profile URLs before they are
// followed. Only regional hosts of the official API pass.
var profileURLRe = regexp.MustCompile(`^https://[a-z]{2}\.api\.blizzard\.com/`)

// APIError represents a non-2xx response from the game API.
type APIError struct {
	StatusCode int
	URL        string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("blizzard: api returned status %d", e.StatusCode)
}

// IsNotFound reports whether the error is a 404 from the game API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

// RosterEntry is one character on a guild roster.
type RosterEntry struct {
	CharacterName string
	RealmSlug     string
	ClassID       int
	Level         int
	ProfileURL    string
}

// GuildSummary holds guild-level metadata from the guild endpoint.
type GuildSummary struct {
	MemberCount int
	Crest       guild.Crest
}

// CharacterSummary is the subset of a character profile the hub stores.
type CharacterSummary struct {
	Name              string
	Realm             string
	ItemLevel         int
	AchievementPoints int
	LastLoginMillis   int64
}

// PvPRatings holds current-season arena and battleground ratings.
type PvPRatings struct {
	TwoVTwo        int
	ThreeVThree    int
	RBG            int
	SoloShuffle    int
	MaxSoloShuffle int
	RBGBlitz       int
}

// Activity is the outcome of an activity probe.
type Activity struct {
	// Found is false when the character no longer exists upstream. That is
	// a normal outcome for transferred or deleted characters, not an error.
	Found           bool
	LastLoginMillis int64
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the official game API client.
type Client struct {
	config         ClientConfig
	tokens         *TokenManager
	httpClient     *http.Client
	activityClient *http.Client
	logger         *slog.Logger
}

// NewClient creates a new game API client.
func NewClient(config ClientConfig, tokens *TokenManager) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ProfileURLPattern == nil {
		config.ProfileURLPattern = profileURLRe
	}

	return &Client{
		config:         config,
		tokens:         tokens,
		httpClient:     &http.Client{Timeout: config.Timeout},
		activityClient: &http.Client{Timeout: config.ActivityTimeout},
		logger:         config.Logger,
	}
}

// regionURL builds an API URL for a region, or fails for regions outside the
// allow-list.
func (c *Client) regionURL(region guild.Region, path string, namespace string) (string, error) {
	if !region.IsValid() {
		return "", ErrInvalidRegion
	}

	base := fmt.Sprintf(c.config.BaseURL, region)
	params := url.Values{}
	params.Set("namespace", fmt.Sprintf("%s-%s", namespace, region))
	params.Set("locale", c.config.Locale)

	return base + path + "?" + params.Encode(), nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Guild endpoints
// ──────────────────────────────────────────────────────────────────────────────

// GuildRoster fetches the full member roster of a guild.
func (c *Client) GuildRoster(ctx context.Context, region guild.Region, realm, name string) ([]RosterEntry, error) {
	path := fmt.Sprintf("/data/wow/guild/%s/%s/roster",
		url.PathEscape(slugify(realm)), url.PathEscape(slugify(name)))

	fullURL, err := c.regionURL(region, path, "profile")
	if err != nil {
		return nil, err
	}

	var resp rosterResponse
	if err := c.doRequest(ctx, c.httpClient, fullURL, &resp); err != nil {
		return nil, fmt.Errorf("fetch roster for %s/%s: %w", realm, name, err)
	}

	entries := make([]RosterEntry, 0, len(resp.Members))
	for _, m := range resp.Members {
		entries = append(entries, RosterEntry{
			CharacterName: m.Character.Name,
			RealmSlug:     m.Character.Realm.Slug,
			ClassID:       m.Character.PlayableClass.ID,
			Level:         m.Character.Level,
			ProfileURL:    m.Character.Key.Href,
		})
	}

	return entries, nil
}

// FetchGuildSummary fetches guild metadata, including the crest.
func (c *Client) FetchGuildSummary(ctx context.Context, region guild.Region, realm, name string) (*GuildSummary, error) {
	path := fmt.Sprintf("/data/wow/guild/%s/%s",
		url.PathEscape(slugify(realm)), url.PathEscape(slugify(name)))

	fullURL, err := c.regionURL(region, path, "profile")
	if err != nil {
		return nil, err
	}

	var resp guildResponse
	if err := c.doRequest(ctx, c.httpClient, fullURL, &resp); err != nil {
		return nil, fmt.Errorf("fetch guild summary for %s/%s: %w", realm, name, err)
	}

	return &GuildSummary{
		MemberCount: resp.MemberCount,
		Crest: guild.Crest{
			EmblemID:    resp.Crest.Emblem.Media.ID,
			EmblemColor: rgbaString(resp.Crest.Emblem.Color.RGBA),
			BorderID:    resp.Crest.Border.Media.ID,
			BorderColor: rgbaString(resp.Crest.Border.Color.RGBA),
			BgColor:     rgbaString(resp.Crest.Background.Color.RGBA),
		},
	}, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Character endpoints
// ──────────────────────────────────────────────────────────────────────────────

// CharacterProfile fetches a character's profile summary.
func (c *Client) CharacterProfile(ctx context.Context, region guild.Region, realm, name string) (*CharacterSummary, error) {
	path := fmt.Sprintf("/profile/wow/character/%s/%s",
		url.PathEscape(slugify(realm)), url.PathEscape(strings.ToLower(name)))

	fullURL, err := c.regionURL(region, path, "profile")
	if err != nil {
		return nil, err
	}

	return c.characterProfileFromURL(ctx, fullURL)
}

// CharacterProfileByURL fetches a character profile from a stored API URL.
// The URL is validated against the official API host pattern first; stored
// data never gets to redirect requests elsewhere.
func (c *Client) CharacterProfileByURL(ctx context.Context, profileURL string) (*CharacterSummary, error) {
	if !c.config.ProfileURLPattern.MatchString(profileURL) {
		return nil, ErrUntrustedURL
	}

	fullURL := profileURL
	if !strings.Contains(fullURL, "locale=") {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + "locale=" + c.config.Locale
	}

	return c.characterProfileFromURL(ctx, fullURL)
}

func (c *Client) characterProfileFromURL(ctx context.Context, fullURL string) (*CharacterSummary, error) {
	var resp characterResponse
	if err := c.doRequest(ctx, c.httpClient, fullURL, &resp); err != nil {
		return nil, fmt.Errorf("fetch character profile: %w", err)
	}

	return &CharacterSummary{
		Name:              resp.Name,
		Realm:             resp.Realm.Slug,
		ItemLevel:         resp.EquippedItemLevel,
		AchievementPoints: resp.AchievementPoints,
		LastLoginMillis:   resp.LastLoginTimestamp,
	}, nil
}

// CharacterActivity probes a character's last login. A 404 is reported as
// Found=false with no error; everything else fails the probe.
func (c *Client) CharacterActivity(ctx context.Context, region guild.Region, realm, name string) (*Activity, error) {
	path := fmt.Sprintf("/profile/wow/character/%s/%s",
		url.PathEscape(slugify(realm)), url.PathEscape(strings.ToLower(name)))

	fullURL, err := c.regionURL(region, path, "profile")
	if err != nil {
		return nil, err
	}

	var resp characterResponse
	if err := c.doRequest(ctx, c.activityClient, fullURL, &resp); err != nil {
		if IsNotFound(err) {
			return &Activity{Found: false}, nil
		}
		return nil, fmt.Errorf("activity probe for %s/%s: %w", realm, name, err)
	}

	return &Activity{
		Found:           true,
		LastLoginMillis: resp.LastLoginTimestamp,
	}, nil
}

// CharacterPvP fetches current-season rated PvP brackets. The active season
// is looked up first so ratings from older seasons are dropped. Solo shuffle
// and blitz brackets are discovered through the summary's bracket hrefs.
func (c *Client) CharacterPvP(ctx context.Context, region guild.Region, realm, name string) (*PvPRatings, error) {
	path := fmt.Sprintf("/profile/wow/character/%s/%s/pvp-summary",
		url.PathEscape(slugify(realm)), url.PathEscape(strings.ToLower(name)))

	fullURL, err := c.regionURL(region, path, "profile")
	if err != nil {
		return nil, err
	}

	currentSeasonID := c.currentPvPSeason(ctx, region)

	var summary pvpSummaryResponse
	if err := c.doRequest(ctx, c.httpClient, fullURL, &summary); err != nil {
		return nil, fmt.Errorf("fetch pvp summary for %s/%s: %w", realm, name, err)
	}

	ratings := &PvPRatings{}
	for _, bracket := range summary.Brackets {
		href := bracket.Href
		if !c.config.ProfileURLPattern.MatchString(href) {
			continue
		}

		var stats pvpBracketResponse
		if err := c.doRequest(ctx, c.httpClient, href, &stats); err != nil {
			// One missing bracket never fails the whole character.
			c.logger.Debug("pvp bracket fetch failed", "href", href, "error", err)
			continue
		}

		if currentSeasonID > 0 && stats.Season.ID != 0 && stats.Season.ID != currentSeasonID {
			continue
		}

		switch {
		case stats.Bracket.Type == "ARENA_2v2":
			ratings.TwoVTwo = stats.Rating
		case stats.Bracket.Type == "ARENA_3v3":
			ratings.ThreeVThree = stats.Rating
		case stats.Bracket.Type == "BATTLEGROUNDS":
			ratings.RBG = stats.Rating
		case strings.Contains(strings.ToLower(stats.Bracket.Type), "shuffle"):
			if stats.Rating > ratings.SoloShuffle {
				ratings.SoloShuffle = stats.Rating
			}
			if stats.SeasonBestRating > ratings.MaxSoloShuffle {
				ratings.MaxSoloShuffle = stats.SeasonBestRating
			}
			if stats.Rating > ratings.MaxSoloShuffle {
				ratings.MaxSoloShuffle = stats.Rating
			}
		case strings.Contains(strings.ToLower(stats.Bracket.Type), "blitz"):
			if stats.Rating > ratings.RBGBlitz {
				ratings.RBGBlitz = stats.Rating
			}
		}
	}

	return ratings, nil
}

// currentPvPSeason resolves the running season's ID from the season index.
// A failed lookup returns zero, which disables the season filter for this
// call rather than dropping every rating.
func (c *Client) currentPvPSeason(ctx context.Context, region guild.Region) int {
	fullURL, err := c.regionURL(region, "/data/wow/pvp-season/index", "dynamic")
	if err != nil {
		return 0
	}

	var index pvpSeasonIndexResponse
	if err := c.doRequest(ctx, c.httpClient, fullURL, &index); err != nil {
		c.logger.Debug("pvp season index fetch failed", "region", region, "error", err)
		return 0
	}

	return index.CurrentSeason.ID
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport
// ──────────────────────────────────────────────────────────────────────────────

// doRequest executes an authenticated GET and decodes the JSON response.
// A 401 invalidates the cached token and retries once with a fresh one.
func (c *Client) doRequest(ctx context.Context, client *http.Client, fullURL string, dest interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("acquire access token: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("execute request: %w", err)
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			if err := c.tokens.Invalidate(ctx); err != nil {
				c.logger.Warn("failed to invalidate rejected token", "error", err)
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return &APIError{StatusCode: resp.StatusCode, URL: fullURL}
		}

		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}

		return nil
	}

	return &APIError{StatusCode: http.StatusUnauthorized, URL: fullURL}
}

// ──────────────────────────────────────────────────────────────────────────────
// Response shapes
// ──────────────────────────────────────────────────────────────────────────────

type rosterResponse struct {
	Members []struct {
		Character struct {
			Key struct {
				Href string `json:"href"`
			} `json:"key"`
			Name  string `json:"name"`
			Level int    `json:"level"`
			Realm struct {
				Slug string `json:"slug"`
			} `json:"realm"`
			PlayableClass struct {
				ID int `json:"id"`
			} `json:"playable_class"`
		} `json:"character"`
	} `json:"members"`
}

type crestSide struct {
	Media struct {
		ID int `json:"id"`
	} `json:"media"`
	Color struct {
		RGBA rgba `json:"rgba"`
	} `json:"color"`
}

type rgba struct {
	R int     `json:"r"`
	G int     `json:"g"`
	B int     `json:"b"`
	A float64 `json:"a"`
}

type guildResponse struct {
	MemberCount int `json:"member_count"`
	Crest       struct {
		Emblem     crestSide `json:"emblem"`
		Border     crestSide `json:"border"`
		Background struct {
			Color struct {
				RGBA rgba `json:"rgba"`
			} `json:"color"`
		} `json:"background"`
	} `json:"crest"`
}

type characterResponse struct {
	Name  string `json:"name"`
	Realm struct {
		Slug string `json:"slug"`
	} `json:"realm"`
	EquippedItemLevel  int   `json:"equipped_item_level"`
	AchievementPoints  int   `json:"achievement_points"`
	LastLoginTimestamp int64 `json:"last_login_timestamp"`
}

type pvpSeasonIndexResponse struct {
	CurrentSeason struct {
		ID int `json:"id"`
	} `json:"current_season"`
}

type pvpSummaryResponse struct {
	Brackets []struct {
		Href string `json:"href"`
	} `json:"brackets"`
}

type pvpBracketResponse struct {
	Bracket struct {
		Type string `json:"type"`
	} `json:"bracket"`
	Rating           int `json:"rating"`
	SeasonBestRating int `json:"season_best_rating"`
	Season           struct {
		ID int `json:"id"`
	} `json:"season"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// slugify converts a display name to the API's slug form.
func slugify(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "-")
}

// rgbaString renders a color as "r,g,b,a" for storage.
func rgbaString(c rgba) string {
	if c.R == 0 && c.G == 0 && c.B == 0 && c.A == 0 {
		return ""
	}
	return fmt.Sprintf("%d,%d,%d,%g", c.R, c.G, c.B, c.A)
}
