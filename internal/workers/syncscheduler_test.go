package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

func (r *fakeGuildRepo) touches(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touched[id]
}

func TestSyncSchedulerWorker_FansOutBatches(t *testing.T) {
	c := newTestCache(t)
	g := testGuild()
	guilds := newFakeGuildRepo(g)

	// 85 recently seen members plus one stale straggler that must be skipped.
	now := time.Now().UTC().UnixMilli()
	roster := make([]*guild.Member, 0, 86)
	for i := 0; i < 85; i++ {
		roster = append(roster, &guild.Member{
			GuildID:            g.ID,
			CharacterName:      fmt.Sprintf("Member%02d", i),
			Realm:              "twisting-nether",
			LastLoginTimestamp: now,
		})
	}
	roster = append(roster, &guild.Member{
		GuildID:            g.ID,
		CharacterName:      "Straggler",
		Realm:              "twisting-nether",
		LastLoginTimestamp: time.Now().UTC().AddDate(0, 0, -90).UnixMilli(),
	})

	members := newFakeMemberRepo(roster...)
	jobs := newFakeJobRepo()
	q := queue.New(c, queue.DefaultConfig())

	w := NewSyncSchedulerWorker(guilds, members, jobs, q, 40, nil)
	err := w.Handle(context.Background(), makeJob(t, queue.QueueScheduler, queue.GuildPayload{GuildID: g.ID}))
	require.NoError(t, err)

	run := jobs.only()
	require.NotNil(t, run)
	assert.Equal(t, syncdom.StatusRunning, run.Status)
	assert.Equal(t, 85, run.TotalItems)
	assert.Zero(t, run.ProcessedItems)

	sizes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		job, err := q.Pop(context.Background(), queue.QueueCharacterSync)
		require.NoError(t, err)
		require.NotNil(t, job)

		var payload CharacterBatchPayload
		require.NoError(t, job.DecodePayload(&payload))
		assert.Equal(t, g.ID, payload.GuildID)
		assert.Equal(t, run.ID, payload.SyncJobID)
		assert.Equal(t, i, payload.BatchIndex)
		assert.Equal(t, 3, payload.TotalBatches)
		sizes = append(sizes, len(payload.Characters))
	}
	assert.Equal(t, []int{40, 40, 5}, sizes)

	count, err := q.PendingCount(context.Background(), queue.QueueCharacterSync)
	require.NoError(t, err)
	assert.Zero(t, count, "no extra batches beyond the fan-out")

	assert.Equal(t, 1, guilds.touches(g.ID))
}

func TestSyncSchedulerWorker_NoActiveMembersSkipsRun(t *testing.T) {
	c := newTestCache(t)
	g := testGuild()
	jobs := newFakeJobRepo()
	q := queue.New(c, queue.DefaultConfig())

	members := newFakeMemberRepo(&guild.Member{
		GuildID:            g.ID,
		CharacterName:      "Dusty",
		Realm:              "twisting-nether",
		LastLoginTimestamp: time.Now().UTC().AddDate(-1, 0, 0).UnixMilli(),
	})

	w := NewSyncSchedulerWorker(newFakeGuildRepo(g), members, jobs, q, 40, nil)
	err := w.Handle(context.Background(), makeJob(t, queue.QueueScheduler, queue.GuildPayload{GuildID: g.ID}))
	require.NoError(t, err)

	assert.Nil(t, jobs.only(), "an empty selection creates no run")

	count, err := q.PendingCount(context.Background(), queue.QueueCharacterSync)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncSchedulerWorker_SyncDisabledDropsJob(t *testing.T) {
	c := newTestCache(t)
	g := testGuild()
	g.SyncEnabled = false

	members := newFakeMemberRepo(&guild.Member{
		GuildID:            g.ID,
		CharacterName:      "Gingi",
		Realm:              "twisting-nether",
		LastLoginTimestamp: time.Now().UTC().UnixMilli(),
	})
	jobs := newFakeJobRepo()
	q := queue.New(c, queue.DefaultConfig())

	// A schedule entry can outlive the flag it was registered under; the
	// tick must be dropped, not acted on.
	w := NewSyncSchedulerWorker(newFakeGuildRepo(g), members, jobs, q, 40, nil)
	err := w.Handle(context.Background(), makeJob(t, queue.QueueScheduler, queue.GuildPayload{GuildID: g.ID}))
	require.NoError(t, err)

	assert.Nil(t, jobs.only())

	count, err := q.PendingCount(context.Background(), queue.QueueCharacterSync)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSyncSchedulerWorker_UnknownGuildDropsJob(t *testing.T) {
	c := newTestCache(t)
	w := NewSyncSchedulerWorker(
		newFakeGuildRepo(), newFakeMemberRepo(), newFakeJobRepo(),
		queue.New(c, queue.DefaultConfig()), 40, nil)

	err := w.Handle(context.Background(), makeJob(t, queue.QueueScheduler, queue.GuildPayload{GuildID: "gone"}))
	assert.NoError(t, err)
}
