package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// ──────────────────────────────────────────────────────────────────────────────
// Shared test plumbing
// ──────────────────────────────────────────────────────────────────────────────

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return cache.NewCacheFromClient(client)
}

// ──────────────────────────────────────────────────────────────────────────────
// In-memory repositories
// ──────────────────────────────────────────────────────────────────────────────

type fakeGuildRepo struct {
	mu      sync.Mutex
	guilds  map[string]*guild.Guild
	touched map[string]int
}

func newFakeGuildRepo(guilds ...*guild.Guild) *fakeGuildRepo {
	r := &fakeGuildRepo{
		guilds:  make(map[string]*guild.Guild),
		touched: make(map[string]int),
	}
	for _, g := range guilds {
		r.guilds[g.ID] = g
	}
	return r
}

func (r *fakeGuildRepo) Create(ctx context.Context, g *guild.Guild) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g.ID = uuid.New().String()
	r.guilds[g.ID] = g
	return nil
}

func (r *fakeGuildRepo) GetByID(ctx context.Context, id string) (*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[id]
	if !ok {
		return nil, guild.ErrNotFound
	}
	copied := *g
	return &copied, nil
}

func (r *fakeGuildRepo) GetByNaturalKey(ctx context.Context, name, realm string, region guild.Region) (*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.guilds {
		if g.Name == name && g.Realm == realm && g.Region == region {
			copied := *g
			return &copied, nil
		}
	}
	return nil, guild.ErrNotFound
}

func (r *fakeGuildRepo) ListSyncEnabled(ctx context.Context) ([]*guild.Guild, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*guild.Guild
	for _, g := range r.guilds {
		if g.SyncEnabled {
			copied := *g
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeGuildRepo) UpdateDiscoveryResult(ctx context.Context, id string, memberCount int, crest guild.Crest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guilds[id]
	if !ok {
		return guild.ErrNotFound
	}
	g.MemberCount = memberCount
	g.Crest = crest
	now := time.Now().UTC()
	g.LastDiscoveryAt = &now
	return nil
}

func (r *fakeGuildRepo) TouchActiveSync(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched[id]++
	return nil
}

func (r *fakeGuildRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, id)
	return nil
}

type fakeMemberRepo struct {
	mu      sync.Mutex
	members map[string]*guild.Member
}

func newFakeMemberRepo(members ...*guild.Member) *fakeMemberRepo {
	r := &fakeMemberRepo{members: make(map[string]*guild.Member)}
	for _, m := range members {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		r.members[memberKey(m.GuildID, m.CharacterName, m.Realm)] = m
	}
	return r
}

func memberKey(guildID, name, realm string) string {
	return fmt.Sprintf("%s/%s/%s", guildID, name, realm)
}

func (r *fakeMemberRepo) Upsert(ctx context.Context, m *guild.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memberKey(m.GuildID, m.CharacterName, m.Realm)
	if existing, ok := r.members[key]; ok {
		existing.CharacterClass = m.CharacterClass
		existing.Level = m.Level
		existing.CharacterAPIURL = m.CharacterAPIURL
		existing.LastUpdated = time.Now().UTC()
		return nil
	}

	copied := *m
	copied.ID = uuid.New().String()
	r.members[key] = &copied
	return nil
}

func (r *fakeMemberRepo) UpdateStats(ctx context.Context, m *guild.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.members[memberKey(m.GuildID, m.CharacterName, m.Realm)]
	if !ok {
		return guild.ErrNotFound
	}
	existing.ItemLevel = m.ItemLevel
	existing.MythicPlusScore = m.MythicPlusScore
	existing.CurrentSeason = m.CurrentSeason
	existing.AchievementPoints = m.AchievementPoints
	existing.RaidProgress = m.RaidProgress
	existing.WeeklyKeysCompleted = m.WeeklyKeysCompleted
	existing.WeeklyBestKeyLevel = m.WeeklyBestKeyLevel
	existing.LastUpdated = time.Now().UTC()
	return nil
}

func (r *fakeMemberRepo) UpdateActivity(ctx context.Context, guildID, characterName, realm string, lastLogin int64, status guild.ActivityStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.members[memberKey(guildID, characterName, realm)]
	if !ok {
		return guild.ErrNotFound
	}
	if lastLogin > 0 {
		existing.LastLoginTimestamp = lastLogin
	}
	existing.ActivityStatus = status
	now := time.Now().UTC()
	existing.LastActivityCheck = &now
	return nil
}

func (r *fakeMemberRepo) ListByGuild(ctx context.Context, guildID string) ([]*guild.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*guild.Member
	for _, m := range r.members {
		if m.GuildID == guildID {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) ListActive(ctx context.Context, guildID string, cutoffMillis int64) ([]*guild.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*guild.Member
	for _, m := range r.members {
		if m.GuildID == guildID && m.LastLoginTimestamp >= cutoffMillis {
			copied := *m
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeMemberRepo) DeleteByNames(ctx context.Context, guildID string, names []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for _, name := range names {
		for key, m := range r.members {
			if m.GuildID == guildID && m.CharacterName == name {
				delete(r.members, key)
				deleted++
			}
		}
	}
	return deleted, nil
}

func (r *fakeMemberRepo) get(guildID, name, realm string) *guild.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberKey(guildID, name, realm)]
	if !ok {
		return nil
	}
	copied := *m
	return &copied
}

func (r *fakeMemberRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// fakeJobRepo mirrors the SQL repository's concurrency contract: increments
// are atomic under the lock and TryComplete is a conditional transition that
// at most one caller wins.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*syncdom.Job

	completeWins int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*syncdom.Job)}
}

func (r *fakeJobRepo) Create(ctx context.Context, j *syncdom.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j.ID = uuid.New().String()
	copied := *j
	r.jobs[j.ID] = &copied
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id string) (*syncdom.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, syncdom.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

func (r *fakeJobRepo) ListByGuild(ctx context.Context, guildID string, limit int) ([]*syncdom.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*syncdom.Job
	for _, j := range r.jobs {
		if j.GuildID == guildID {
			copied := *j
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) SetTotalItems(ctx context.Context, id string, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return syncdom.ErrNotFound
	}
	j.TotalItems = total
	return nil
}

func (r *fakeJobRepo) IncrementProgress(ctx context.Context, id string, errDelta int, currentCharacter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return syncdom.ErrNotFound
	}
	j.ProcessedItems++
	j.ErrorCount += errDelta
	j.CurrentCharacter = currentCharacter
	return nil
}

func (r *fakeJobRepo) AddErrors(ctx context.Context, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return syncdom.ErrNotFound
	}
	j.ErrorCount += delta
	return nil
}

func (r *fakeJobRepo) TryComplete(ctx context.Context, id string, completedAt time.Time, durationSec int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return false, syncdom.ErrNotFound
	}
	if j.Status != syncdom.StatusRunning {
		return false, nil
	}
	j.Status = syncdom.StatusCompleted
	j.CompletedAt = &completedAt
	j.Duration = durationSec
	r.completeWins++
	return true, nil
}

func (r *fakeJobRepo) MarkFailed(ctx context.Context, id string, errorMessage string, completedAt time.Time, durationSec int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return syncdom.ErrNotFound
	}
	if j.Status != syncdom.StatusRunning {
		return nil
	}
	j.Status = syncdom.StatusFailed
	j.ErrorMessage = syncdom.Redact(errorMessage)
	j.CompletedAt = &completedAt
	j.Duration = durationSec
	return nil
}

func (r *fakeJobRepo) wins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completeWins
}

func (r *fakeJobRepo) only() *syncdom.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		copied := *j
		return &copied
	}
	return nil
}

type fakeErrorRepo struct {
	mu     sync.Mutex
	errors []*syncdom.SyncError
}

func newFakeErrorRepo() *fakeErrorRepo {
	return &fakeErrorRepo{}
}

func (r *fakeErrorRepo) Record(ctx context.Context, e *syncdom.SyncError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *e
	r.errors = append(r.errors, &copied)
	return nil
}

func (r *fakeErrorRepo) ListByGuild(ctx context.Context, guildID string, limit int) ([]*syncdom.SyncError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*syncdom.SyncError
	for _, e := range r.errors {
		if e.GuildID == guildID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeErrorRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}
