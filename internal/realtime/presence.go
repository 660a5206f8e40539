package realtime

import (
	"context"
	"sync"
	"time"

	"log/slog"
)

// PresenceStore persists presence transitions outside the process (redis in
// production). Implementations must tolerate being called concurrently.
type PresenceStore interface {
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string, lastSeen time.Time) error
}

// Registry is the in-memory bidirectional mapping between user identity and
// the single active connection for that user. It is constructed once per
// server process and injected into the dispatcher; it holds no global state.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]*Client
	byClient map[*Client]string

	// lastSeen is retained after disconnect for "offline since" queries.
	lastSeen map[string]time.Time

	store PresenceStore // optional
}

func NewRegistry(store PresenceStore) *Registry {
	return &Registry{
		byUser:   make(map[string]*Client),
		byClient: make(map[*Client]string),
		lastSeen: make(map[string]time.Time),
		store:    store,
	}
}

// Join registers or re-registers the connection for userID and returns the
// previously registered connection, if any. The caller is responsible for
// forcibly disconnecting the returned connection (stale-session eviction).
func (r *Registry) Join(ctx context.Context, c *Client, userID string) (evicted *Client) {
	r.mu.Lock()
	prev := r.byUser[userID]
	if prev == c {
		// Idempotent re-announce from the same connection.
		r.mu.Unlock()
		return nil
	}

	// The connection may re-announce as a different user; the old identity
	// goes offline now, not at socket teardown.
	var replacedUser string
	var replacedAt time.Time
	if old, ok := r.byClient[c]; ok && old != userID {
		if r.byUser[old] == c {
			delete(r.byUser, old)
		}
		replacedAt = time.Now()
		r.lastSeen[old] = replacedAt
		replacedUser = old
	}

	if prev != nil {
		delete(r.byClient, prev)
	}
	r.byUser[userID] = c
	r.byClient[c] = userID
	r.mu.Unlock()

	if r.store != nil {
		if replacedUser != "" {
			if err := r.store.SetUserOffline(ctx, replacedUser, replacedAt); err != nil {
				slog.Error("Failed to persist user offline", "userID", replacedUser, "error", err)
			}
		}
		if err := r.store.SetUserOnline(ctx, userID); err != nil {
			slog.Error("Failed to persist user online", "userID", userID, "error", err)
		}
	}

	slog.Info("User joined", "userID", userID, "clientID", c.ID(), "evicted", prev != nil)
	return prev
}

// Disconnect removes both directions of the mapping for the connection and
// returns the owning user. Idempotent: disconnecting an unknown connection
// returns ok=false and mutates nothing.
func (r *Registry) Disconnect(ctx context.Context, c *Client) (userID string, lastSeen time.Time, ok bool) {
	r.mu.Lock()
	userID, ok = r.byClient[c]
	if !ok {
		r.mu.Unlock()
		return "", time.Time{}, false
	}
	delete(r.byClient, c)
	// A newer connection may have already replaced this one for the user.
	if r.byUser[userID] == c {
		delete(r.byUser, userID)
	}
	lastSeen = time.Now()
	r.lastSeen[userID] = lastSeen
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetUserOffline(ctx, userID, lastSeen); err != nil {
			slog.Error("Failed to persist user offline", "userID", userID, "error", err)
		}
	}

	slog.Info("User disconnected", "userID", userID, "clientID", c.ID())
	return userID, lastSeen, true
}

// IsOnline reports whether the user currently owns a live connection.
// Unknown users are simply offline, never an error.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID] != nil
}

// LastSeen returns the disconnect timestamp of a previously seen user.
func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.lastSeen[userID]
	return ts, ok
}

// ClientFor returns the live connection for the user, or nil.
func (r *Registry) ClientFor(userID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// UserFor returns the user identity announced on the connection, if any.
func (r *Registry) UserFor(c *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.byClient[c]
	return userID, ok
}

func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
