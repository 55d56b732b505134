// Package messaging carries sync lifecycle events from workers to the API
// layer over Redis pub/sub. Each guild has its own channel so per-guild SSE
// streams subscribe narrowly; the aggregate feed pattern-subscribes across
// all of them.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

// ══════════════════════════════════════════════════════════════════════════════
// EVENT MODEL
// ══════════════════════════════════════════════════════════════════════════════

// EventType identifies a sync lifecycle event.
type EventType string

const (
	// EventDiscoveryComplete fires when a roster discovery run finishes.
	EventDiscoveryComplete EventType = "discovery:complete"

	// EventSyncProgress fires periodically while characters are synced.
	EventSyncProgress EventType = "sync:progress"

	// EventSyncComplete fires when the last batch of a run completes.
	EventSyncComplete EventType = "sync:complete"

	// EventError fires on run-level failures.
	EventError EventType = "error"
)

// Event is the wire format published on guild channels.
type Event struct {
	Type    EventType `json:"type"`
	GuildID string    `json:"guildId"`
	JobID   string    `json:"jobId,omitempty"`

	// Discovery fields
	MembersTotal   int `json:"membersTotal,omitempty"`
	MembersAdded   int `json:"membersAdded,omitempty"`
	MembersRemoved int `json:"membersRemoved,omitempty"`

	// Progress fields
	Processed        int    `json:"processed,omitempty"`
	Total            int    `json:"total,omitempty"`
	ErrorCount       int    `json:"errorCount,omitempty"`
	CurrentCharacter string `json:"currentCharacter,omitempty"`
	DurationSeconds  int    `json:"durationSeconds,omitempty"`

	// Error fields. Messages are redacted before they reach the publisher.
	Message string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ChannelForGuild returns the pub/sub channel for one guild's events.
func ChannelForGuild(guildID string) string {
	return "guild:" + guildID + ":sync"
}

// ChannelPattern matches every guild's event channel.
const ChannelPattern = "guild:*:sync"

// GuildIDFromChannel extracts the guild ID from a channel name, or "".
func GuildIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, "guild:") || !strings.HasSuffix(channel, ":sync") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(channel, "guild:"), ":sync")
}

// ══════════════════════════════════════════════════════════════════════════════
// PUBLISHER
// ══════════════════════════════════════════════════════════════════════════════

// Publisher publishes sync lifecycle events. Publishing is best-effort: a
// dropped event never fails the sync work that produced it.
type Publisher struct {
	cache  *cache.Cache
	logger *slog.Logger
}

// NewPublisher creates a new Publisher.
func NewPublisher(c *cache.Cache, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cache: c, logger: logger}
}

// Publish sends an event on the guild's channel.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	channel := ChannelForGuild(event.GuildID)
	if err := p.cache.Publish(ctx, channel, event); err != nil {
		p.logger.Warn("failed to publish sync event",
			"channel", channel, "type", event.Type, "error", err)
	}
}

// DiscoveryComplete publishes a discovery:complete event.
func (p *Publisher) DiscoveryComplete(ctx context.Context, guildID string, total, added, removed int) {
	p.Publish(ctx, Event{
		Type:           EventDiscoveryComplete,
		GuildID:        guildID,
		MembersTotal:   total,
		MembersAdded:   added,
		MembersRemoved: removed,
	})
}

// Progress publishes a sync:progress event.
func (p *Publisher) Progress(ctx context.Context, guildID, jobID string, processed, total, errorCount int, currentCharacter string) {
	p.Publish(ctx, Event{
		Type:             EventSyncProgress,
		GuildID:          guildID,
		JobID:            jobID,
		Processed:        processed,
		Total:            total,
		ErrorCount:       errorCount,
		CurrentCharacter: currentCharacter,
	})
}

// SyncComplete publishes a sync:complete event.
func (p *Publisher) SyncComplete(ctx context.Context, guildID, jobID string, processed, errorCount, durationSec int) {
	p.Publish(ctx, Event{
		Type:            EventSyncComplete,
		GuildID:         guildID,
		JobID:           jobID,
		Processed:       processed,
		ErrorCount:      errorCount,
		DurationSeconds: durationSec,
	})
}

// Error publishes an error event. The message must already be redacted.
func (p *Publisher) Error(ctx context.Context, guildID, jobID, message string) {
	p.Publish(ctx, Event{
		Type:    EventError,
		GuildID: guildID,
		JobID:   jobID,
		Message: message,
	})
}
