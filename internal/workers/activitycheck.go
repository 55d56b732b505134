package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/external/provider"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/queue"
)

// ══════════════════════════════════════════════════════════════════════════════
// ACTIVITY CHECK WORKER
// ══════════════════════════════════════════════════════════════════════════════

// ActivityPayload is the payload of one standalone activity check. When
// Characters is set, only those members are probed; otherwise the whole
// stored roster is swept.
type ActivityPayload struct {
	GuildID    string         `json:"guildId"`
	Characters []CharacterRef `json:"characters,omitempty"`
}

// ActivityCheckWorker refreshes the activity classification of guild
// members. Probes are paced by the provider; individual failures leave a
// member in the unknown state rather than failing the sweep.
type ActivityCheckWorker struct {
	guilds   guild.Repository
	members  guild.MemberRepository
	provider *provider.Service
	logger   *slog.Logger
}

// NewActivityCheckWorker creates a new ActivityCheckWorker.
func NewActivityCheckWorker(
	guilds guild.Repository,
	members guild.MemberRepository,
	p *provider.Service,
	logger *slog.Logger,
) *ActivityCheckWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityCheckWorker{
		guilds:   guilds,
		members:  members,
		provider: p,
		logger:   logger,
	}
}

// Handle processes one activity check job.
func (w *ActivityCheckWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload ActivityPayload
	if err := job.DecodePayload(&payload); err != nil {
		w.logger.Error("activity job with invalid payload", "job_id", job.ID, "error", err)
		return nil
	}

	g, err := w.guilds.GetByID(ctx, payload.GuildID)
	if errors.Is(err, guild.ErrNotFound) {
		w.logger.Warn("activity check for unknown guild, dropping", "guild_id", payload.GuildID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild: %w", err)
	}

	var members []*guild.Member
	if len(payload.Characters) > 0 {
		members = make([]*guild.Member, 0, len(payload.Characters))
		for _, ref := range payload.Characters {
			members = append(members, &guild.Member{
				GuildID:       g.ID,
				CharacterName: ref.Name,
				Realm:         ref.Realm,
			})
		}
	} else {
		members, err = w.members.ListByGuild(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
	}
	if len(members) == 0 {
		return nil
	}

	results, err := w.provider.BulkCheckActivity(ctx, g.Region, members)
	if err != nil {
		// A canceled sweep keeps whatever it managed to learn.
		w.logger.Warn("activity sweep interrupted",
			"guild", g.Name, "checked", len(results), "of", len(members), "error", err)
	}

	counts := map[guild.ActivityStatus]int{}
	for _, res := range results {
		counts[res.Status]++

		err := w.members.UpdateActivity(ctx, g.ID,
			res.CharacterName, res.Realm, res.LastLoginMillis, res.Status)
		if err != nil {
			w.logger.Warn("failed to store activity result",
				"character", res.CharacterName, "error", err)
		}
	}

	w.logger.Info("activity check completed",
		"guild", g.Name, "members", len(members),
		"active", counts[guild.ActivityActive],
		"inactive", counts[guild.ActivityInactive],
		"unknown", counts[guild.ActivityUnknown])

	return nil
}
