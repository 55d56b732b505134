// Package workers contains the queue handlers that do the actual syncing:
// roster discovery, active-sync batch scheduling, character stat sync and
// activity checks. Each worker is a queue.Handler plus its dependencies.
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
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/blizzard"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/provider"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/messaging"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISCOVERY WORKER
// ══════════════════════════════════════════════════════════════════════════════

// DiscoveryWorker performs a full roster refresh for one guild: fetch the
// roster, upsert every member's roster fields, run the activity sweep over
// the fresh roster, reconcile departures, then refresh guild metadata.
type DiscoveryWorker struct {
	guilds     guild.Repository
	members    guild.MemberRepository
	jobs       syncdom.JobRepository
	syncErrors syncdom.ErrorRepository
	official   *blizzard.Client
	provider   *provider.Service
	publisher  *messaging.Publisher
	alerts     *alert.Notifier
	logger     *slog.Logger
}

// NewDiscoveryWorker creates a new DiscoveryWorker.
func NewDiscoveryWorker(
	guilds guild.Repository,
	members guild.MemberRepository,
	jobs syncdom.JobRepository,
	syncErrors syncdom.ErrorRepository,
	official *blizzard.Client,
	p *provider.Service,
	publisher *messaging.Publisher,
	alerts *alert.Notifier,
	logger *slog.Logger,
) *DiscoveryWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryWorker{
		guilds:     guilds,
		members:    members,
		jobs:       jobs,
		syncErrors: syncErrors,
		official:   official,
		provider:   p,
		publisher:  publisher,
		alerts:     alerts,
		logger:     logger,
	}
}

// Handle processes one discovery job.
func (w *DiscoveryWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload queue.GuildPayload
	if err := job.DecodePayload(&payload); err != nil {
		// A payload that cannot decode will never decode; don't retry.
		w.logger.Error("discovery job with invalid payload", "job_id", job.ID, "error", err)
		return nil
	}

	g, err := w.guilds.GetByID(ctx, payload.GuildID)
	if errors.Is(err, guild.ErrNotFound) {
		w.logger.Warn("discovery for unknown guild, dropping", "guild_id", payload.GuildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild: %w", err)
	}
	if !g.SyncEnabled {
		w.logger.Info("discovery for sync-disabled guild, dropping", "guild", g.Name)
		return nil
	}

	run, err := syncdom.NewJob(g.ID, syncdom.TypeDiscovery)
	if err != nil {
		return err
	}
	if err := w.jobs.Create(ctx, run); err != nil {
		return fmt.Errorf("create discovery run: %w", err)
	}

	w.logger.Info("discovery started",
		"guild", g.Name, "realm", g.Realm, "region", g.Region, "run_id", run.ID)

	roster, err := w.official.GuildRoster(ctx, g.Region, g.Realm, g.Name)
	if err != nil {
		w.failRun(ctx, g, run, fmt.Errorf("roster fetch: %w", err))
		return err
	}

	if err := w.jobs.SetTotalItems(ctx, run.ID, len(roster)); err != nil {
		return fmt.Errorf("set run size: %w", err)
	}

	// An empty roster is a valid state for a brand-new or dissolved guild,
	// but it must never cascade into deleting every stored member: the
	// upstream also serves empty rosters transiently.
	if len(roster) == 0 {
		if _, err := w.jobs.TryComplete(ctx, run.ID, time.Now().UTC(),
			int(time.Since(run.StartedAt).Seconds())); err != nil {
			return fmt.Errorf("complete discovery run: %w", err)
		}
		w.publisher.DiscoveryComplete(ctx, g.ID, 0, 0, 0)
		w.logger.Warn("empty roster, keeping stored membership", "guild", g.Name, "run_id", run.ID)
		return nil
	}

	// Crest and upstream member count are cosmetic; their failure never
	// fails a discovery that has a roster in hand.
	crest := guild.Crest{}
	memberCount := len(roster)
	if summary, err := w.official.FetchGuildSummary(ctx, g.Region, g.Realm, g.Name); err == nil {
		crest = summary.Crest
		if summary.MemberCount > 0 {
			memberCount = summary.MemberCount
		}
	} else {
		w.logger.Debug("guild summary fetch failed", "guild", g.Name, "error", err)
	}

	existing, err := w.members.ListByGuild(ctx, g.ID)
	if err != nil {
		w.failRun(ctx, g, run, fmt.Errorf("list members: %w", err))
		return err
	}

	known := make(map[string]bool, len(existing))
	for _, m := range existing {
		known[m.CharacterName] = true
	}

	added := 0
	onRoster := make(map[string]bool, len(roster))
	for _, entry := range roster {
		onRoster[entry.CharacterName] = true

		member := &guild.Member{
			GuildID:         g.ID,
			CharacterName:   entry.CharacterName,
			Realm:           entry.RealmSlug,
			CharacterClass:  blizzard.ClassName(entry.ClassID),
			Level:           entry.Level,
			CharacterAPIURL: entry.ProfileURL,
		}

		errDelta := 0
		if err := w.members.Upsert(ctx, member); err != nil {
			errDelta = 1
			w.recordError(ctx, g.ID, entry.CharacterName, entry.RealmSlug, "upsert", err)
		} else if !known[entry.CharacterName] {
			added++
		}

		if err := w.jobs.IncrementProgress(ctx, run.ID, errDelta, entry.CharacterName); err != nil {
			w.logger.Warn("failed to advance discovery progress", "run_id", run.ID, "error", err)
		}
	}

	// Activity sweep over the fresh roster, before reconciliation, so the
	// run's error accounting covers it and completion reflects it.
	w.refreshActivity(ctx, g, run.ID, roster)

	var departed []string
	for _, m := range existing {
		if !onRoster[m.CharacterName] {
			departed = append(departed, m.CharacterName)
		}
	}

	removed := 0
	if len(departed) > 0 {
		removed, err = w.members.DeleteByNames(ctx, g.ID, departed)
		if err != nil {
			w.failRun(ctx, g, run, fmt.Errorf("departure reconciliation: %w", err))
			return err
		}
	}

	if err := w.guilds.UpdateDiscoveryResult(ctx, g.ID, memberCount, crest); err != nil {
		w.logger.Warn("failed to update guild discovery metadata", "guild_id", g.ID, "error", err)
	}

	duration := int(time.Since(run.StartedAt).Seconds())
	if _, err := w.jobs.TryComplete(ctx, run.ID, time.Now().UTC(), duration); err != nil {
		return fmt.Errorf("complete discovery run: %w", err)
	}

	w.publisher.DiscoveryComplete(ctx, g.ID, len(roster), added, removed)

	w.logger.Info("discovery completed",
		"guild", g.Name, "run_id", run.ID,
		"roster", len(roster), "added", added, "removed", removed,
		"duration_sec", duration)

	return nil
}

// refreshActivity classifies every roster member's activity. Probe results
// are applied one by one; a failed update counts against the run's error
// total but never aborts discovery, and an interrupted sweep keeps whatever
// it managed to learn.
func (w *DiscoveryWorker) refreshActivity(ctx context.Context, g *guild.Guild, runID string, roster []blizzard.RosterEntry) {
	members := make([]*guild.Member, 0, len(roster))
	for _, entry := range roster {
		members = append(members, &guild.Member{
			GuildID:       g.ID,
			CharacterName: entry.CharacterName,
			Realm:         entry.RealmSlug,
		})
	}

	results, err := w.provider.BulkCheckActivity(ctx, g.Region, members)
	if err != nil {
		w.logger.Warn("activity sweep interrupted",
			"guild", g.Name, "checked", len(results), "of", len(members), "error", err)
	}

	for _, res := range results {
		err := w.members.UpdateActivity(ctx, g.ID,
			res.CharacterName, res.Realm, res.LastLoginMillis, res.Status)
		if err != nil {
			w.recordError(ctx, g.ID, res.CharacterName, res.Realm, "activity_update", err)
			if err := w.jobs.AddErrors(ctx, runID, 1); err != nil {
				w.logger.Warn("failed to count activity error", "run_id", runID, "error", err)
			}
		}
	}
}

// failRun marks the run failed, publishes the error and raises an alert.
// Messages are redacted before leaving the worker.
func (w *DiscoveryWorker) failRun(ctx context.Context, g *guild.Guild, run *syncdom.Job, cause error) {
	msg := syncdom.Redact(cause.Error())
	duration := int(time.Since(run.StartedAt).Seconds())

	if err := w.jobs.MarkFailed(ctx, run.ID, msg, time.Now().UTC(), duration); err != nil {
		w.logger.Error("failed to mark discovery run failed", "run_id", run.ID, "error", err)
	}

	w.publisher.Error(ctx, g.ID, run.ID, msg)
	w.alerts.Warning(ctx, "Guild discovery failed", msg, map[string]string{
		"guild":  g.Name,
		"realm":  g.Realm,
		"region": g.Region.String(),
	})
}

// recordError appends a per-character failure to the diagnostic log.
func (w *DiscoveryWorker) recordError(ctx context.Context, guildID, name, realm, errorType string, cause error) {
	e := &syncdom.SyncError{
		GuildID:       guildID,
		CharacterName: name,
		Realm:         realm,
		ErrorType:     errorType,
		ErrorMessage:  cause.Error(),
		Service:       "discovery",
	}
	if err := w.syncErrors.Record(ctx, e); err != nil {
		w.logger.Warn("failed to record sync error", "character", name, "error", err)
	}
}
