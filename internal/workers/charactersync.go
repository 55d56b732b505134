package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	syncdom "github.com/guildhub/guild-sync-hub/internal/domain/sync"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/alert"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/provider"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/messaging"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHARACTER SYNC WORKER
// ══════════════════════════════════════════════════════════════════════════════

// progressEventEvery controls how often progress events are published: every
// Nth processed character, plus always the last one.
const progressEventEvery = 10

// CharacterSyncWorker processes one batch of a sync run. Batches of the same
// run execute concurrently on different consumers; all coordination happens
// through the shared SyncJob counters. Whichever batch drives processedItems
// to totalItems wins the conditional completion and publishes sync:complete.
type CharacterSyncWorker struct {
	guilds     guild.Repository
	members    guild.MemberRepository
	jobs       syncdom.JobRepository
	syncErrors syncdom.ErrorRepository
	provider   *provider.Service
	publisher  *messaging.Publisher
	alerts     *alert.Notifier
	charDelay  time.Duration
	logger     *slog.Logger
}

// NewCharacterSyncWorker creates a new CharacterSyncWorker.
func NewCharacterSyncWorker(
	guilds guild.Repository,
	members guild.MemberRepository,
	jobs syncdom.JobRepository,
	syncErrors syncdom.ErrorRepository,
	p *provider.Service,
	publisher *messaging.Publisher,
	alerts *alert.Notifier,
	charDelay time.Duration,
	logger *slog.Logger,
) *CharacterSyncWorker {
	if charDelay < 0 {
		charDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CharacterSyncWorker{
		guilds:     guilds,
		members:    members,
		jobs:       jobs,
		syncErrors: syncErrors,
		provider:   p,
		publisher:  publisher,
		alerts:     alerts,
		charDelay:  charDelay,
		logger:     logger,
	}
}

// Handle processes one character batch.
func (w *CharacterSyncWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload CharacterBatchPayload
	if err := job.DecodePayload(&payload); err != nil {
		w.logger.Error("character sync job with invalid payload", "job_id", job.ID, "error", err)
		return nil
	}

	g, err := w.guilds.GetByID(ctx, payload.GuildID)
	if errors.Is(err, guild.ErrNotFound) {
		w.logger.Warn("character sync for unknown guild, dropping", "guild_id", payload.GuildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild: %w", err)
	}

	w.logger.Info("character batch started",
		"guild", g.Name, "run_id", payload.SyncJobID,
		"batch", payload.BatchIndex+1, "of", payload.TotalBatches,
		"characters", len(payload.Characters))

	batchErrors := 0
	for i, ref := range payload.Characters {
		if i > 0 && w.charDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.charDelay):
			}
		}

		errDelta := 0
		if err := w.syncOne(ctx, g, ref); err != nil {
			errDelta = 1
			batchErrors++
			w.recordError(ctx, g.ID, ref, err)
		}

		if err := w.jobs.IncrementProgress(ctx, payload.SyncJobID, errDelta, ref.Name); err != nil {
			w.logger.Warn("failed to advance sync progress",
				"run_id", payload.SyncJobID, "character", ref.Name, "error", err)
			continue
		}

		w.publishProgress(ctx, g.ID, payload.SyncJobID, ref.Name)
	}

	if batchErrors*2 > len(payload.Characters) {
		w.alerts.Warning(ctx, "High character sync error rate",
			fmt.Sprintf("%d of %d characters failed in batch %d",
				batchErrors, len(payload.Characters), payload.BatchIndex+1),
			map[string]string{
				"guild":  g.Name,
				"run_id": payload.SyncJobID,
			})
	}

	return w.finishIfLastBatch(ctx, g, payload.SyncJobID)
}

// syncOne fetches and persists merged stats for one character.
func (w *CharacterSyncWorker) syncOne(ctx context.Context, g *guild.Guild, ref CharacterRef) error {
	stats, err := w.provider.MemberStats(ctx, g.Region, ref.Realm, ref.Name, ref.APIURL, provider.SourceAuto)
	if err != nil {
		return fmt.Errorf("fetch stats: %w", err)
	}

	member := &guild.Member{
		GuildID:       g.ID,
		CharacterName: ref.Name,
		Realm:         ref.Realm,
	}
	stats.ApplyTo(member)

	if err := w.members.UpdateStats(ctx, member); err != nil {
		return fmt.Errorf("persist stats: %w", err)
	}

	return nil
}

// publishProgress emits a progress event for every Nth character and for the
// final one. The re-read gives the run-wide counters, not batch-local ones.
func (w *CharacterSyncWorker) publishProgress(ctx context.Context, guildID, runID, character string) {
	run, err := w.jobs.GetByID(ctx, runID)
	if err != nil {
		w.logger.Warn("failed to read run for progress event", "run_id", runID, "error", err)
		return
	}

	if run.ProcessedItems%progressEventEvery != 0 && run.ProcessedItems < run.TotalItems {
		return
	}

	w.publisher.Progress(ctx, guildID, runID,
		run.ProcessedItems, run.TotalItems, run.ErrorCount, character)
}

// finishIfLastBatch re-reads the run and, when every item is processed,
// attempts the conditional completion. Only the winner publishes the
// completion event; every other racing batch sees won == false and moves on.
func (w *CharacterSyncWorker) finishIfLastBatch(ctx context.Context, g *guild.Guild, runID string) error {
	run, err := w.jobs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("read run for completion check: %w", err)
	}

	if !run.Complete() {
		return nil
	}

	completedAt := time.Now().UTC()
	duration := int(completedAt.Sub(run.StartedAt).Seconds())

	won, err := w.jobs.TryComplete(ctx, runID, completedAt, duration)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if !won {
		return nil
	}

	w.publisher.SyncComplete(ctx, g.ID, runID, run.ProcessedItems, run.ErrorCount, duration)

	w.logger.Info("sync run completed",
		"guild", g.Name, "run_id", runID,
		"processed", run.ProcessedItems, "errors", run.ErrorCount,
		"duration_sec", duration)

	return nil
}

// recordError appends a per-character failure to the diagnostic log.
func (w *CharacterSyncWorker) recordError(ctx context.Context, guildID string, ref CharacterRef, cause error) {
	e := &syncdom.SyncError{
		GuildID:       guildID,
		CharacterName: ref.Name,
		Realm:         ref.Realm,
		ErrorType:     "stats_fetch",
		ErrorMessage:  cause.Error(),
		Service:       "character-sync",
	}
	if err := w.syncErrors.Record(ctx, e); err != nil {
		w.logger.Warn("failed to record sync error", "character", ref.Name, "error", err)
	}
}
