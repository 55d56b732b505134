package workers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/alert"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/provider"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/raiderio"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/messaging"
	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// newTestProvider builds a provider over fake upstreams. Characters whose
// name contains "ghost" are unknown everywhere; "fallback" characters are
// unknown to the community API but found on the official one.
func newTestProvider(t *testing.T, c *cache.Cache) *provider.Service {
	t.Helper()

	statsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.ToLower(r.URL.Query().Get("name"))
		if strings.Contains(name, "ghost") || strings.Contains(name, "fallback") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"gear": {"item_level_equipped": 620}, "mythic_plus_scores_by_season": [{"season": "season-tww-2", "scores": {"all": 2500}}]}`)
	}))
	t.Cleanup(statsSrv.Close)

	officialSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "ghost") || strings.Contains(r.URL.Path, "pvp-summary") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"equipped_item_level": 590, "achievement_points": 15000}`)
	}))
	t.Cleanup(officialSrv.Close)

	statsCfg := raiderio.DefaultClientConfig()
	statsCfg.BaseURL = statsSrv.URL

	cfg := provider.DefaultConfig()
	cfg.ActivityDelay = time.Millisecond
	return provider.NewService(cfg, raiderio.NewClient(statsCfg),
		newOfficialClient(t, c, officialSrv.URL))
}

func newCharSyncWorker(t *testing.T, g *guild.Guild, members *fakeMemberRepo, jobs *fakeJobRepo, errs *fakeErrorRepo) *CharacterSyncWorker {
	t.Helper()

	c := newTestCache(t)
	return NewCharacterSyncWorker(
		newFakeGuildRepo(g), members, jobs, errs,
		newTestProvider(t, c),
		messaging.NewPublisher(c, nil), alert.NewNotifier("", time.Second, nil),
		0, nil)
}

func newRun(t *testing.T, jobs *fakeJobRepo, guildID string, total int) *syncdom.Job {
	t.Helper()

	run, err := syncdom.NewJob(guildID, syncdom.TypeActiveSync)
	require.NoError(t, err)
	require.NoError(t, jobs.Create(context.Background(), run))
	require.NoError(t, jobs.SetTotalItems(context.Background(), run.ID, total))
	return run
}

func TestCharacterSyncWorker_SyncsBatch(t *testing.T) {
	g := testGuild()
	members := newFakeMemberRepo(
		&guild.Member{GuildID: g.ID, CharacterName: "Gingi", Realm: "twisting-nether"},
		&guild.Member{GuildID: g.ID, CharacterName: "Meeres", Realm: "twisting-nether"},
	)
	jobs := newFakeJobRepo()
	errs := newFakeErrorRepo()
	w := newCharSyncWorker(t, g, members, jobs, errs)

	run := newRun(t, jobs, g.ID, 2)
	payload := CharacterBatchPayload{
		GuildID: g.ID, SyncJobID: run.ID, BatchIndex: 0, TotalBatches: 1,
		Characters: []CharacterRef{
			{Name: "Gingi", Realm: "twisting-nether"},
			{Name: "Meeres", Realm: "twisting-nether"},
		},
	}

	err := w.Handle(context.Background(), makeJob(t, queue.QueueCharacterSync, payload))
	require.NoError(t, err)

	gingi := members.get(g.ID, "Gingi", "twisting-nether")
	require.NotNil(t, gingi)
	assert.Equal(t, 620, gingi.ItemLevel)
	assert.Equal(t, 2500.0, gingi.MythicPlusScore)
	assert.Equal(t, 15000, gingi.AchievementPoints, "official supplement applied")

	final, err := jobs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, syncdom.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.ProcessedItems)
	assert.Zero(t, final.ErrorCount)
	assert.Zero(t, errs.count())
}

func TestCharacterSyncWorker_FallbackSuccessRecordsNoError(t *testing.T) {
	g := testGuild()
	members := newFakeMemberRepo(
		&guild.Member{GuildID: g.ID, CharacterName: "Fallback", Realm: "twisting-nether"},
	)
	jobs := newFakeJobRepo()
	errs := newFakeErrorRepo()
	w := newCharSyncWorker(t, g, members, jobs, errs)

	run := newRun(t, jobs, g.ID, 1)
	payload := CharacterBatchPayload{
		GuildID: g.ID, SyncJobID: run.ID, TotalBatches: 1,
		Characters: []CharacterRef{{Name: "Fallback", Realm: "twisting-nether"}},
	}

	require.NoError(t, w.Handle(context.Background(), makeJob(t, queue.QueueCharacterSync, payload)))

	m := members.get(g.ID, "Fallback", "twisting-nether")
	require.NotNil(t, m)
	assert.Equal(t, 590, m.ItemLevel, "official item level via fallback")

	assert.Zero(t, errs.count(), "a successful fallback is not a sync error")

	final, err := jobs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Zero(t, final.ErrorCount)
}

func TestCharacterSyncWorker_FailedCharacterCountsButRunCompletes(t *testing.T) {
	g := testGuild()
	members := newFakeMemberRepo(
		&guild.Member{GuildID: g.ID, CharacterName: "Gingi", Realm: "twisting-nether"},
		&guild.Member{GuildID: g.ID, CharacterName: "Ghost", Realm: "twisting-nether"},
	)
	jobs := newFakeJobRepo()
	errs := newFakeErrorRepo()
	w := newCharSyncWorker(t, g, members, jobs, errs)

	run := newRun(t, jobs, g.ID, 2)
	payload := CharacterBatchPayload{
		GuildID: g.ID, SyncJobID: run.ID, TotalBatches: 1,
		Characters: []CharacterRef{
			{Name: "Gingi", Realm: "twisting-nether"},
			{Name: "Ghost", Realm: "twisting-nether"},
		},
	}

	require.NoError(t, w.Handle(context.Background(), makeJob(t, queue.QueueCharacterSync, payload)))

	final, err := jobs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, syncdom.StatusCompleted, final.Status, "individual failures never block completion")
	assert.Equal(t, 2, final.ProcessedItems)
	assert.Equal(t, 1, final.ErrorCount)

	require.Equal(t, 1, errs.count())
	recorded, err := errs.ListByGuild(context.Background(), g.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, "Ghost", recorded[0].CharacterName)
	assert.Equal(t, "stats_fetch", recorded[0].ErrorType)
	assert.Equal(t, "character-sync", recorded[0].Service)
}

func TestCharacterSyncWorker_ConcurrentBatchesSingleCompletion(t *testing.T) {
	g := testGuild()

	var roster []*guild.Member
	var batches [][]CharacterRef
	for b := 0; b < 3; b++ {
		var refs []CharacterRef
		for i := 0; i < 2; i++ {
			name := fmt.Sprintf("Char%d%d", b, i)
			roster = append(roster, &guild.Member{GuildID: g.ID, CharacterName: name, Realm: "twisting-nether"})
			refs = append(refs, CharacterRef{Name: name, Realm: "twisting-nether"})
		}
		batches = append(batches, refs)
	}

	members := newFakeMemberRepo(roster...)
	jobs := newFakeJobRepo()
	w := newCharSyncWorker(t, g, members, jobs, newFakeErrorRepo())

	run := newRun(t, jobs, g.ID, 6)

	var wg sync.WaitGroup
	for i, refs := range batches {
		wg.Add(1)
		payload := CharacterBatchPayload{
			GuildID: g.ID, SyncJobID: run.ID,
			BatchIndex: i, TotalBatches: len(batches), Characters: refs,
		}
		go func(p CharacterBatchPayload) {
			defer wg.Done()
			assert.NoError(t, w.Handle(context.Background(), makeJob(t, queue.QueueCharacterSync, p)))
		}(payload)
	}
	wg.Wait()

	final, err := jobs.GetByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, syncdom.StatusCompleted, final.Status)
	assert.Equal(t, 6, final.ProcessedItems, "no increments lost between racing batches")
	assert.Equal(t, 1, jobs.wins(), "exactly one batch wins the completion transition")
}
