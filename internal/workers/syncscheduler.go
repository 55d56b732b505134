package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// ══════════════════════════════════════════════════════════════════════════════
// BATCH PAYLOAD
// ══════════════════════════════════════════════════════════════════════════════

// CharacterRef identifies one character inside a batch payload. APIURL is
// the character's stored official-API handle, when discovery captured one.
type CharacterRef struct {
	Name   string `json:"name"`
	Realm  string `json:"realm"`
	APIURL string `json:"apiUrl,omitempty"`
}

// CharacterBatchPayload is the payload of one character-sync batch. All
// batches of a run share the SyncJobID; the run completes when the counters
// on that shared job reach totalItems, regardless of batch ordering.
type CharacterBatchPayload struct {
	GuildID      string         `json:"guildId"`
	SyncJobID    string         `json:"syncJobId"`
	BatchIndex   int            `json:"batchIndex"`
	TotalBatches int            `json:"totalBatches"`
	Characters   []CharacterRef `json:"characters"`
}

// DefaultBatchSize is how many characters one sync batch carries.
const DefaultBatchSize = 40

// ══════════════════════════════════════════════════════════════════════════════
// SYNC SCHEDULER WORKER
// ══════════════════════════════════════════════════════════════════════════════

// SyncSchedulerWorker turns one "refresh this guild's active members" tick
// into a SyncJob plus a fan-out of character-sync batches.
type SyncSchedulerWorker struct {
	guilds    guild.Repository
	members   guild.MemberRepository
	jobs      syncdom.JobRepository
	queue     *queue.Queue
	batchSize int
	logger    *slog.Logger
}

// NewSyncSchedulerWorker creates a new SyncSchedulerWorker.
func NewSyncSchedulerWorker(
	guilds guild.Repository,
	members guild.MemberRepository,
	jobs syncdom.JobRepository,
	q *queue.Queue,
	batchSize int,
	logger *slog.Logger,
) *SyncSchedulerWorker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncSchedulerWorker{
		guilds:    guilds,
		members:   members,
		jobs:      jobs,
		queue:     q,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Handle processes one active-sync scheduling job.
func (w *SyncSchedulerWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.GuildPayload
	if err := job.DecodePayload(&payload); err != nil {
		w.logger.Error("sync scheduler job with invalid payload", "job_id", job.ID, "error", err)
		return nil
	}

	g, err := w.guilds.GetByID(ctx, payload.GuildID)
	if errors.Is(err, guild.ErrNotFound) {
		w.logger.Warn("active sync for unknown guild, dropping", "guild_id", payload.GuildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild: %w", err)
	}
	if !g.SyncEnabled {
		w.logger.Info("active sync for sync-disabled guild, dropping", "guild", g.Name)
		return nil
	}

	cutoff := g.ActivityCutoff(time.Now().UTC())
	active, err := w.members.ListActive(ctx, g.ID, cutoff)
	if err != nil {
		return fmt.Errorf("select active members: %w", err)
	}

	if len(active) == 0 {
		w.logger.Info("no active members, skipping sync", "guild", g.Name)
		return nil
	}

	run, err := syncdom.NewJob(g.ID, syncdom.TypeActiveSync)
	if err != nil {
		return err
	}
	run.TotalItems = len(active)
	if err := w.jobs.Create(ctx, run); err != nil {
		return fmt.Errorf("create sync run: %w", err)
	}

	batches := splitBatches(active, w.batchSize)
	for i, batch := range batches {
		refs := make([]CharacterRef, 0, len(batch))
		for _, m := range batch {
			refs = append(refs, CharacterRef{
				Name:   m.CharacterName,
				Realm:  m.Realm,
				APIURL: m.CharacterAPIURL,
			})
		}

		_, err := w.queue.Enqueue(ctx, queue.QueueCharacterSync, CharacterBatchPayload{
			GuildID:      g.ID,
			SyncJobID:    run.ID,
			BatchIndex:   i,
			TotalBatches: len(batches),
			Characters:   refs,
		})
		if err != nil {
			return fmt.Errorf("enqueue batch %d/%d: %w", i+1, len(batches), err)
		}
	}

	if err := w.guilds.TouchActiveSync(ctx, g.ID); err != nil {
		w.logger.Warn("failed to update last active sync time", "guild_id", g.ID, "error", err)
	}

	w.logger.Info("active sync scheduled",
		"guild", g.Name, "run_id", run.ID,
		"members", len(active), "batches", len(batches))

	return nil
}

// splitBatches slices members into consecutive batches of at most size.
func splitBatches(members []*guild.Member, size int) [][]*guild.Member {
	var batches [][]*guild.Member
	for start := 0; start < len(members); start += size {
		end := start + size
		if end > len(members) {
			end = len(members)
		}
		batches = append(batches, members[start:end])
	}
	return batches
}
