package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/blizzard"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/raiderio"
	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// newTestService wires a provider over two fake upstreams. The official API
// client gets a pre-cached token so no OAuth round trip happens.
func newTestService(t *testing.T, statsHandler, officialHandler http.HandlerFunc) *Service {
	t.Helper()

	statsSrv := httptest.NewServer(statsHandler)
	t.Cleanup(statsSrv.Close)
	officialSrv := httptest.NewServer(officialHandler)
	t.Cleanup(officialSrv.Close)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewCacheFromClient(client)

	err := c.SetString(context.Background(), cache.PrefixToken+"game-api", "test-token", time.Minute)
	require.NoError(t, err)

	statsCfg := raiderio.DefaultClientConfig()
	statsCfg.BaseURL = statsSrv.URL
	stats := raiderio.NewClient(statsCfg)

	officialCfg := blizzard.DefaultClientConfig()
	officialCfg.BaseURL = officialSrv.URL + "/%s"
	official := blizzard.NewClient(officialCfg, blizzard.NewTokenManager(
		blizzard.DefaultTokenManagerConfig("id", "secret"), c))

	cfg := DefaultConfig()
	cfg.ActivityDelay = time.Millisecond
	return NewService(cfg, stats, official)
}

func officialProfileHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/us/profile/wow/character/proudmoore/thrall/pvp-summary":
			fmt.Fprint(w, `{"brackets": []}`)
		case r.URL.Path == "/us/profile/wow/character/proudmoore/thrall":
			fmt.Fprint(w, `{
				"name": "Thrall", "realm": {"slug": "proudmoore"},
				"equipped_item_level": 600, "achievement_points": 31200,
				"last_login_timestamp": 1700000000000
			}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestMemberStats_CommunityPrimaryWithOfficialSupplement(t *testing.T) {
	stats := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"gear": {"item_level_equipped": 626},
			"mythic_plus_scores_by_season": [{"season": "season-tww-2", "scores": {"all": 2900}}]
		}`)
	}

	s := newTestService(t, stats, officialProfileHandler(t))
	result, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall", "", SourceAuto)
	require.NoError(t, err)

	assert.Equal(t, SourceStats, result.PrimarySource)
	assert.Equal(t, 626, result.ItemLevel, "community item level wins over the supplement")
	assert.Equal(t, 2900.0, result.MythicPlusScore)
	assert.Equal(t, 31200, result.AchievementPoints, "achievements come from the official API")
}

func TestMemberStats_FallsBackToOfficial(t *testing.T) {
	stats := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	s := newTestService(t, stats, officialProfileHandler(t))
	result, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall", "", SourceAuto)
	require.NoError(t, err)

	assert.Equal(t, SourceOfficial, result.PrimarySource)
	assert.Equal(t, 600, result.ItemLevel)
	assert.Zero(t, result.MythicPlusScore, "official API carries no mythic+ score")
	assert.Equal(t, 31200, result.AchievementPoints)
}

func TestMemberStats_ForcedStatsSourceDoesNotFallBack(t *testing.T) {
	stats := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	s := newTestService(t, stats, officialProfileHandler(t))
	_, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall", "", SourceStats)
	assert.ErrorIs(t, err, raiderio.ErrCharacterNotFound)
}

func TestMemberStats_AllSourcesFailed(t *testing.T) {
	notFound := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	s := newTestService(t, notFound, notFound)
	_, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Ghost", "", SourceAuto)
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
}

func TestMemberStats_SupplementFailureDegradesGracefully(t *testing.T) {
	stats := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"gear": {"item_level_equipped": 615}}`)
	}
	brokenOfficial := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}

	s := newTestService(t, stats, brokenOfficial)
	result, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall", "", SourceAuto)
	require.NoError(t, err, "a broken supplement never fails the snapshot")

	assert.Equal(t, 615, result.ItemLevel)
	assert.Zero(t, result.AchievementPoints)
	assert.Zero(t, result.PvP2v2Rating)
}

func TestMemberStats_UsesStoredProfileURL(t *testing.T) {
	statsDown := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(statsDown.Close)

	var lookupHits atomic.Int64
	officialSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/stored/profile/wow/character/proudmoore/thrall":
			fmt.Fprint(w, `{
				"name": "Thrall", "realm": {"slug": "proudmoore"},
				"equipped_item_level": 633, "achievement_points": 31200
			}`)
		case "/us/profile/wow/character/proudmoore/thrall":
			lookupHits.Add(1)
			fmt.Fprint(w, `{"equipped_item_level": 600}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(officialSrv.Close)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := cache.NewCacheFromClient(client)

	err := c.SetString(context.Background(), cache.PrefixToken+"game-api", "test-token", time.Minute)
	require.NoError(t, err)

	statsCfg := raiderio.DefaultClientConfig()
	statsCfg.BaseURL = statsDown.URL

	officialCfg := blizzard.DefaultClientConfig()
	officialCfg.BaseURL = officialSrv.URL + "/%s"
	officialCfg.ProfileURLPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(officialSrv.URL))
	official := blizzard.NewClient(officialCfg, blizzard.NewTokenManager(
		blizzard.DefaultTokenManagerConfig("id", "secret"), c))

	cfg := DefaultConfig()
	cfg.ActivityDelay = time.Millisecond
	s := NewService(cfg, raiderio.NewClient(statsCfg), official)

	storedURL := officialSrv.URL + "/stored/profile/wow/character/proudmoore/thrall"
	result, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall", storedURL, SourceAuto)
	require.NoError(t, err)

	assert.Equal(t, SourceOfficial, result.PrimarySource)
	assert.Equal(t, 633, result.ItemLevel, "the stored profile handle served the fetch")
	assert.Equal(t, 31200, result.AchievementPoints)
	assert.Zero(t, lookupHits.Load(), "the lookup path is only for missing or dead handles")
}

func TestMemberStats_DeadStoredURLFallsBackToLookup(t *testing.T) {
	stats := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}

	s := newTestService(t, stats, officialProfileHandler(t))

	// The handle points at an untrusted host, so the client refuses it and
	// the realm/name lookup serves the profile instead.
	result, err := s.MemberStats(context.Background(), guild.RegionUS, "proudmoore", "Thrall",
		"https://evil.example.com/profile/wow/character/proudmoore/thrall", SourceAuto)
	require.NoError(t, err)

	assert.Equal(t, SourceOfficial, result.PrimarySource)
	assert.Equal(t, 600, result.ItemLevel)
}

func TestCheckActivity_Classification(t *testing.T) {
	now := time.Now().UTC()
	recent := now.Add(-24 * time.Hour).UnixMilli()

	official := func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/us/profile/wow/character/proudmoore/fresh":
			fmt.Fprintf(w, `{"last_login_timestamp": %d}`, recent)
		case "/us/profile/wow/character/proudmoore/dormant":
			fmt.Fprintf(w, `{"last_login_timestamp": %d}`, now.AddDate(0, -6, 0).UnixMilli())
		case "/us/profile/wow/character/proudmoore/deleted":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}

	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {}, official)
	ctx := context.Background()

	res := s.CheckActivity(ctx, guild.RegionUS, "proudmoore", "Fresh", now)
	assert.Equal(t, guild.ActivityActive, res.Status)
	assert.Equal(t, recent, res.LastLoginMillis)

	res = s.CheckActivity(ctx, guild.RegionUS, "proudmoore", "Dormant", now)
	assert.Equal(t, guild.ActivityInactive, res.Status)

	res = s.CheckActivity(ctx, guild.RegionUS, "proudmoore", "Deleted", now)
	assert.Equal(t, guild.ActivityInactive, res.Status, "a vanished character is inactive, not an error")
	assert.Zero(t, res.LastLoginMillis)

	res = s.CheckActivity(ctx, guild.RegionUS, "proudmoore", "Broken", now)
	assert.Equal(t, guild.ActivityUnknown, res.Status, "a failed probe must not look like inactivity")
}

func TestBulkCheckActivity(t *testing.T) {
	now := time.Now().UTC()
	official := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"last_login_timestamp": %d}`, now.Add(-time.Hour).UnixMilli())
	}

	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {}, official)

	members := []*guild.Member{
		{CharacterName: "One", Realm: "proudmoore"},
		{CharacterName: "Two", Realm: "proudmoore"},
		{CharacterName: "Three", Realm: "proudmoore"},
	}

	results, err := s.BulkCheckActivity(context.Background(), guild.RegionUS, members)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, res := range results {
		assert.Equal(t, members[i].CharacterName, res.CharacterName)
		assert.Equal(t, guild.ActivityActive, res.Status)
	}
}

func TestBulkCheckActivity_CanceledKeepsPartialResults(t *testing.T) {
	now := time.Now().UTC()
	official := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"last_login_timestamp": %d}`, now.UnixMilli())
	}

	s := newTestService(t, func(w http.ResponseWriter, r *http.Request) {}, official)
	s.activityLimiter.SetLimit(rate.Every(50 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()

	members := []*guild.Member{
		{CharacterName: "One", Realm: "proudmoore"},
		{CharacterName: "Two", Realm: "proudmoore"},
		{CharacterName: "Three", Realm: "proudmoore"},
		{CharacterName: "Four", Realm: "proudmoore"},
	}

	results, err := s.BulkCheckActivity(ctx, guild.RegionUS, members)
	assert.Error(t, err)
	assert.Less(t, len(results), len(members), "the sweep stops early but keeps what it learned")
}
