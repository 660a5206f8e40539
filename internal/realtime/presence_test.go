package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoinMapsUser(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	c, _ := newTestClient(hub)

	evicted := registry.Join(context.Background(), c, "user-1")

	assert.Nil(t, evicted)
	assert.True(t, registry.IsOnline("user-1"))
	assert.Equal(t, c, registry.ClientFor("user-1"))
}

func TestRegistryStaleSessionEviction(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)

	require.Nil(t, registry.Join(context.Background(), a, "user-1"))
	evicted := registry.Join(context.Background(), b, "user-1")

	require.Equal(t, a, evicted, "older connection must be returned for eviction")
	assert.Equal(t, b, registry.ClientFor("user-1"), "user-1 must map to the newer connection only")

	// The replaced connection no longer owns any user.
	_, ok := registry.UserFor(a)
	assert.False(t, ok)
}

func TestRegistryJoinIdempotentForSameConnection(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	c, _ := newTestClient(hub)

	registry.Join(context.Background(), c, "user-1")
	evicted := registry.Join(context.Background(), c, "user-1")

	assert.Nil(t, evicted, "re-announce from the same connection must not self-evict")
	assert.True(t, registry.IsOnline("user-1"))
}

func TestRegistryDisconnectIdempotent(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	c, _ := newTestClient(hub)
	registry.Join(context.Background(), c, "user-1")

	userID, lastSeen, ok := registry.Disconnect(context.Background(), c)
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)
	assert.WithinDuration(t, time.Now(), lastSeen, time.Second)

	_, _, ok = registry.Disconnect(context.Background(), c)
	assert.False(t, ok, "second disconnect must be a no-op")
}

func TestRegistryLastSeenRetainedAfterDisconnect(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	c, _ := newTestClient(hub)
	registry.Join(context.Background(), c, "user-1")
	registry.Disconnect(context.Background(), c)

	assert.False(t, registry.IsOnline("user-1"))
	ts, ok := registry.LastSeen("user-1")
	require.True(t, ok, "last seen must survive disconnect")
	assert.WithinDuration(t, time.Now(), ts, time.Second)
}

func TestRegistryUnknownUserIsOfflineNotError(t *testing.T) {
	registry := NewRegistry(nil)

	assert.False(t, registry.IsOnline("nobody"))
	_, ok := registry.LastSeen("nobody")
	assert.False(t, ok)
	assert.Nil(t, registry.ClientFor("nobody"))
}

func TestRegistryReannounceAsDifferentUserReleasesOldIdentity(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	c, _ := newTestClient(hub)

	registry.Join(context.Background(), c, "user-a")
	evicted := registry.Join(context.Background(), c, "user-b")
	require.Nil(t, evicted)

	assert.False(t, registry.IsOnline("user-a"), "abandoned identity must go offline")
	assert.Nil(t, registry.ClientFor("user-a"))
	ts, ok := registry.LastSeen("user-a")
	require.True(t, ok, "abandoned identity must get a last-seen timestamp")
	assert.WithinDuration(t, time.Now(), ts, time.Second)

	assert.True(t, registry.IsOnline("user-b"))
	assert.Equal(t, c, registry.ClientFor("user-b"))

	// Disconnect only tears down the current identity.
	userID, _, ok := registry.Disconnect(context.Background(), c)
	require.True(t, ok)
	assert.Equal(t, "user-b", userID)
	assert.False(t, registry.IsOnline("user-b"))
}

func TestRegistryDisconnectOfEvictedConnectionKeepsNewMapping(t *testing.T) {
	hub := newTestHub(0)
	registry := hub.dispatcher.registry
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)

	registry.Join(context.Background(), a, "user-1")
	registry.Join(context.Background(), b, "user-1")

	// The evicted connection's teardown races the new session; the user must
	// stay online on the new connection.
	_, _, ok := registry.Disconnect(context.Background(), a)
	assert.False(t, ok)
	assert.True(t, registry.IsOnline("user-1"))
	assert.Equal(t, b, registry.ClientFor("user-1"))
}
