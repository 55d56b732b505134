package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/guildhub/guild-sync-hub/internal/domain/guild"
	"github.com/guildhub/guild-sync-hub/internal/infrastructure/messaging"
)

// ══════════════════════════════════════════════════════════════════════════════
// SSE RELAY
// ══════════════════════════════════════════════════════════════════════════════

// handleGuildEvents streams one guild's sync events as SSE. Events are
// forwarded verbatim from the guild's pub/sub channel; the stream opens with
// a connected event and carries heartbeat comments so intermediaries keep
// the connection alive.
func (s *Server) handleGuildEvents(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("id")

	if _, err := s.guilds.GetByID(r.Context(), guildID); err != nil {
		if errors.Is(err, guild.ErrNotFound) {
			writeError(w, http.StatusNotFound, "guild not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.GuildStreamMaxAge)
	defer cancel()

	pubsub := s.cache.Subscribe(ctx, messaging.ChannelForGuild(guildID))
	defer pubsub.Close()

	setSSEHeaders(w)
	fmt.Fprintf(w, "data: {\"type\":\"connected\",\"guildId\":%q}\n\n", guildID)
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()

		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flusher.Flush()
		}
	}
}

// feedEvent is the augmented payload of the aggregate feed.
type feedEvent struct {
	messaging.Event
	GuildName  string       `json:"guildName,omitempty"`
	GuildRealm string       `json:"guildRealm,omitempty"`
	Region     string       `json:"region,omitempty"`
	Crest      *guild.Crest `json:"crest,omitempty"`
}

// handleActivityFeed streams completion events across all guilds. Only the
// two completion event types pass the filter; each is augmented with guild
// identity from a short-lived cache so the feed does not hammer the store.
func (s *Server) handleActivityFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.FeedStreamMaxAge)
	defer cancel()

	pubsub := s.cache.PSubscribe(ctx, messaging.ChannelPattern)
	defer pubsub.Close()

	setSSEHeaders(w)
	fmt.Fprint(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()

		case msg, open := <-ch:
			if !open {
				return
			}

			var event messaging.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			if event.Type != messaging.EventDiscoveryComplete && event.Type != messaging.EventSyncComplete {
				continue
			}

			out := feedEvent{Event: event}
			if info := s.guildInfo.Get(ctx, event.GuildID); info != nil {
				out.GuildName = info.Name
				out.GuildRealm = info.Realm
				out.Region = info.Region.String()
				if !info.Crest.IsEmpty() {
					crest := info.Crest
					out.Crest = &crest
				}
			}

			data, err := json.Marshal(out)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// ══════════════════════════════════════════════════════════════════════════════
// GUILD INFO CACHE
// ══════════════════════════════════════════════════════════════════════════════

// guildInfoCache memoizes guild lookups for the aggregate feed. Entries
// expire after the TTL; a failed lookup is not cached so transient store
// errors heal on the next event.
type guildInfoCache struct {
	guilds guild.Repository
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]guildInfoEntry
}

type guildInfoEntry struct {
	info      *guild.Guild
	expiresAt time.Time
}

func newGuildInfoCache(guilds guild.Repository, ttl time.Duration) *guildInfoCache {
	return &guildInfoCache{
		guilds:  guilds,
		ttl:     ttl,
		entries: make(map[string]guildInfoEntry),
	}
}

// Get returns the guild, from cache or store, or nil when unknown.
func (c *guildInfoCache) Get(ctx context.Context, guildID string) *guild.Guild {
	c.mu.Lock()
	entry, ok := c.entries[guildID]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.info
	}

	g, err := c.guilds.GetByID(ctx, guildID)
	if err != nil {
		return nil
	}

	c.mu.Lock()
	c.entries[guildID] = guildInfoEntry{
		info:      g,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	return g
}
