package raiderio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	return NewClient(cfg)
}

func TestCharacterStats(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eu", r.URL.Query().Get("region"))
		assert.Equal(t, "twisting-nether", r.URL.Query().Get("realm"))
		assert.Equal(t, "Gingi", r.URL.Query().Get("name"))
		assert.Contains(t, r.URL.Query().Get("fields"), "mythic_plus_scores_by_season:current")

		fmt.Fprint(w, `{
			"name": "Gingi",
			"gear": {"item_level_equipped": 626},
			"mythic_plus_scores_by_season": [
				{"season": "season-tww-2", "scores": {"all": 3421.5}}
			],
			"raid_progression": {
				"liberation-of-undermine": {"summary": "8/8 M"},
				"nerubar-palace": {"summary": "8/8 H"}
			},
			"mythic_plus_weekly_highest_level_runs": [
				{"mythic_level": 12}, {"mythic_level": 15}, {"mythic_level": 10},
				{"mythic_level": 14}, {"mythic_level": 11}, {"mythic_level": 13},
				{"mythic_level": 10}, {"mythic_level": 9}, {"mythic_level": 8}
			]
		}`)
	})

	stats, err := c.CharacterStats(context.Background(), guild.RegionEU, "twisting-nether", "Gingi")
	require.NoError(t, err)

	assert.Equal(t, 626, stats.ItemLevel)
	assert.Equal(t, 3421.5, stats.MythicPlusScore)
	assert.Equal(t, "season-tww-2", stats.CurrentSeason)
	assert.Equal(t, "8/8 M", stats.RaidProgress)

	// Weekly levels sorted descending: 15 14 13 12 11 10 10 9 8.
	assert.Equal(t, 9, stats.WeeklyKeysCompleted)
	assert.Equal(t, 15, stats.WeeklyBestKeyLevel)
	assert.Equal(t, 12, stats.WeeklySlot2KeyLevel, "4th highest run")
	assert.Equal(t, 9, stats.WeeklySlot3KeyLevel, "8th highest run")
}

func TestCharacterStats_FewWeeklyRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"gear": {"item_level_equipped": 600},
			"mythic_plus_weekly_highest_level_runs": [
				{"mythic_level": 7}, {"mythic_level": 5}
			]
		}`)
	})

	stats, err := c.CharacterStats(context.Background(), guild.RegionUS, "proudmoore", "Alt")
	require.NoError(t, err)

	assert.Equal(t, 2, stats.WeeklyKeysCompleted)
	assert.Equal(t, 7, stats.WeeklyBestKeyLevel)
	assert.Zero(t, stats.WeeklySlot2KeyLevel, "fewer than 4 runs leaves slot 2 empty")
	assert.Zero(t, stats.WeeklySlot3KeyLevel)
}

func TestCharacterStats_NoRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"gear": {"item_level_equipped": 580}}`)
	})

	stats, err := c.CharacterStats(context.Background(), guild.RegionUS, "proudmoore", "Fresh")
	require.NoError(t, err)

	assert.Equal(t, 580, stats.ItemLevel)
	assert.Zero(t, stats.WeeklyKeysCompleted)
	assert.Zero(t, stats.MythicPlusScore)
	assert.Empty(t, stats.RaidProgress)
}

func TestCharacterStats_NotFound(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusBadRequest} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})

		_, err := c.CharacterStats(context.Background(), guild.RegionUS, "proudmoore", "Ghost")
		assert.ErrorIs(t, err, ErrCharacterNotFound, "status %d", status)
	}
}

func TestCharacterStats_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"gear": {"item_level_equipped": 610}}`)
	})

	stats, err := c.CharacterStats(context.Background(), guild.RegionEU, "kazzak", "Retried")
	require.NoError(t, err)

	assert.Equal(t, 610, stats.ItemLevel)
	assert.Equal(t, int64(2), calls.Load())
}

func TestBestRaidSummary(t *testing.T) {
	raids := map[string]raidProgression{
		"a": {Summary: "8/8 N"},
		"b": {Summary: "6/8 M"},
		"c": {Summary: "8/8 H"},
	}
	assert.Equal(t, "6/8 M", bestRaidSummary(raids), "mythic beats fuller heroic clears")

	assert.Empty(t, bestRaidSummary(nil))
	assert.Empty(t, bestRaidSummary(map[string]raidProgression{}))
}
