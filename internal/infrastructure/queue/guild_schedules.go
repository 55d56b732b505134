package queue

import (
	"context"
	"fmt"
	"time"
)

// GuildPayload is the payload for guild-scoped jobs. Discovery, active-sync
// scheduling and activity checks all operate on one guild at a time.
type GuildPayload struct {
	GuildID string `json:"guildId"`
}

// Schedules manages the recurring per-guild entries: one discovery cycle and
// one active-sync cycle per tracked guild.
type Schedules struct {
	queue     *Queue
	scheduler *Scheduler
}

// NewSchedules creates a new Schedules manager.
func NewSchedules(q *Queue, s *Scheduler) *Schedules {
	return &Schedules{queue: q, scheduler: s}
}

func discoverySchedulerID(guildID string) string { return "discovery:" + guildID }
func activeSyncSchedulerID(guildID string) string { return "active-sync:" + guildID }

// RegisterGuild upserts both recurring entries for a guild. Re-registering
// with new intervals replaces the old cadence.
func (s *Schedules) RegisterGuild(ctx context.Context, guildID string, discoveryIntervalHours, activeSyncIntervalMin int) error {
	if discoveryIntervalHours <= 0 {
		return fmt.Errorf("queue: guild %s: discovery interval must be positive", guildID)
	}
	if activeSyncIntervalMin <= 0 {
		return fmt.Errorf("queue: guild %s: active sync interval must be positive", guildID)
	}

	payload := GuildPayload{GuildID: guildID}

	err := s.scheduler.Upsert(ctx,
		discoverySchedulerID(guildID),
		QueueDiscovery,
		payload,
		time.Duration(discoveryIntervalHours)*time.Hour,
	)
	if err != nil {
		return fmt.Errorf("register discovery schedule: %w", err)
	}

	err = s.scheduler.Upsert(ctx,
		activeSyncSchedulerID(guildID),
		QueueScheduler,
		payload,
		time.Duration(activeSyncIntervalMin)*time.Minute,
	)
	if err != nil {
		return fmt.Errorf("register active sync schedule: %w", err)
	}

	return nil
}

// RemoveGuild drops both recurring entries for a guild.
func (s *Schedules) RemoveGuild(ctx context.Context, guildID string) error {
	if err := s.scheduler.Remove(ctx, discoverySchedulerID(guildID)); err != nil {
		return fmt.Errorf("remove discovery schedule: %w", err)
	}
	if err := s.scheduler.Remove(ctx, activeSyncSchedulerID(guildID)); err != nil {
		return fmt.Errorf("remove active sync schedule: %w", err)
	}
	return nil
}

// EnqueueImmediateDiscovery puts a discovery job on the high-priority lane,
// ahead of any scheduled backlog. Manual sync triggers use this.
func (s *Schedules) EnqueueImmediateDiscovery(ctx context.Context, guildID string) (string, error) {
	return s.queue.EnqueuePriority(ctx, QueueDiscovery, GuildPayload{GuildID: guildID})
}
