package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cache "github.com/guildhub/guild-sync-hub/internal/infrastructure/persistence/redis"
)

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewCacheFromClient(client)
}

func TestChannelHelpers(t *testing.T) {
	assert.Equal(t, "guild:g-42:sync", ChannelForGuild("g-42"))

	assert.Equal(t, "g-42", GuildIDFromChannel("guild:g-42:sync"))
	assert.Empty(t, GuildIDFromChannel("queue:discovery:pending"))
	assert.Empty(t, GuildIDFromChannel("guild:g-42:events"))
}

func TestPublish_RoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, ChannelForGuild("guild-1"))
	t.Cleanup(func() { _ = sub.Close() })
	ch := sub.Channel()

	p := NewPublisher(c, nil)
	p.SyncComplete(ctx, "guild-1", "run-1", 85, 2, 61)

	select {
	case msg := <-ch:
		var event Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, EventSyncComplete, event.Type)
		assert.Equal(t, "guild-1", event.GuildID)
		assert.Equal(t, "run-1", event.JobID)
		assert.Equal(t, 85, event.Processed)
		assert.Equal(t, 2, event.ErrorCount)
		assert.Equal(t, 61, event.DurationSeconds)
		assert.False(t, event.Timestamp.IsZero(), "publisher stamps the event")
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPublish_NoSubscribersIsFine(t *testing.T) {
	c := newTestCache(t)

	p := NewPublisher(c, nil)
	p.DiscoveryComplete(context.Background(), "guild-1", 120, 3, 1)
	p.Error(context.Background(), "guild-1", "run-1", "upstream unavailable")
}
