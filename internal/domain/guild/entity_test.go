package guild

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("EU")
	require.NoError(t, err)
	assert.Equal(t, RegionEU, r)

	r, err = ParseRegion("  us  ")
	require.NoError(t, err)
	assert.Equal(t, RegionUS, r)

	_, err = ParseRegion("atlantis")
	assert.ErrorIs(t, err, ErrInvalidRegion)

	_, err = ParseRegion("")
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestNewGuild(t *testing.T) {
	g, err := NewGuild("Method", "Twisting-Nether", RegionEU)
	require.NoError(t, err)

	assert.Equal(t, "Method", g.Name)
	assert.Equal(t, "twisting-nether", g.Realm)
	assert.Equal(t, RegionEU, g.Region)
	assert.True(t, g.SyncEnabled)
	assert.Equal(t, DefaultDiscoveryIntervalHours, g.DiscoveryIntervalHours)
	assert.Equal(t, DefaultActiveSyncIntervalMin, g.ActiveSyncIntervalMin)
	assert.Equal(t, DefaultActivityWindowDays, g.ActivityWindowDays)
	assert.Empty(t, g.ID, "ID is assigned by the persistence layer")
}

func TestNewGuild_Invalid(t *testing.T) {
	_, err := NewGuild("", "realm", RegionUS)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NewGuild("Name", "   ", RegionUS)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = NewGuild("Name", "realm", Region("xx"))
	assert.ErrorIs(t, err, ErrInvalidRegion)
}

func TestClassifyActivity(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		lastLogin int64
		want      ActivityStatus
	}{
		{"never observed", 0, ActivityInactive},
		{"negative timestamp", -1, ActivityInactive},
		{"logged in today", now.Add(-2 * time.Hour).UnixMilli(), ActivityActive},
		{"exactly 30 days ago", now.AddDate(0, 0, -30).UnixMilli(), ActivityActive},
		{"31 days ago", now.AddDate(0, 0, -31).UnixMilli(), ActivityInactive},
		{"a year ago", now.AddDate(-1, 0, 0).UnixMilli(), ActivityInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyActivity(tt.lastLogin, now))
		})
	}
}

func TestActivityCutoff(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	g := &Guild{ActivityWindowDays: 30}
	assert.Equal(t, now.AddDate(0, 0, -30).UnixMilli(), g.ActivityCutoff(now))

	// A guild with no configured window falls back to the default.
	g = &Guild{}
	assert.Equal(t, now.AddDate(0, 0, -DefaultActivityWindowDays).UnixMilli(), g.ActivityCutoff(now))

	g = &Guild{ActivityWindowDays: 7}
	assert.Equal(t, now.AddDate(0, 0, -7).UnixMilli(), g.ActivityCutoff(now))
}

func TestCrestIsEmpty(t *testing.T) {
	assert.True(t, Crest{}.IsEmpty())
	assert.False(t, Crest{EmblemID: 12, EmblemColor: "102,0,0,255"}.IsEmpty())
}

func TestMemberKey(t *testing.T) {
	m := &Member{CharacterName: "Thrall", Realm: "orgrimmar"}
	assert.Equal(t, "Thrall@orgrimmar", m.Key())
}
