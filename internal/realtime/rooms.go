package realtime

import (
	"sort"
	"sync"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"
)

// Router manages conversation rooms (connections currently viewing a thread)
// and personal delivery keyed by user identity through the registry. Rooms
// are membership-only and garbage-collected when empty.
type Router struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Client]bool
	registry *Registry
}

func NewRouter(registry *Registry) *Router {
	return &Router{
		rooms:    make(map[string]map[*Client]bool),
		registry: registry,
	}
}

// JoinConversation adds the connection to the named room (idempotent) and
// notifies the rest of the room.
func (rt *Router) JoinConversation(c *Client, conversationID string) {
	rt.mu.Lock()
	room := rt.rooms[conversationID]
	if room == nil {
		room = make(map[*Client]bool)
		rt.rooms[conversationID] = room
	}
	if room[c] {
		rt.mu.Unlock()
		return
	}
	room[c] = true
	rt.mu.Unlock()

	slog.Debug("Client joined conversation", "clientID", c.ID(), "userID", c.UserID(), "conversationID", conversationID)

	rt.BroadcastToRoom(conversationID, protocol.MustEvent(protocol.EventUserJoinedConversation, protocol.ConversationPresenceData{
		UserID:         c.UserID(),
		ConversationID: conversationID,
	}), c)
}

// LeaveConversation removes the connection from the room (idempotent) and
// notifies the rest of the room.
func (rt *Router) LeaveConversation(c *Client, conversationID string) {
	rt.mu.Lock()
	room := rt.rooms[conversationID]
	if room == nil || !room[c] {
		rt.mu.Unlock()
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(rt.rooms, conversationID)
	}
	rt.mu.Unlock()

	slog.Debug("Client left conversation", "clientID", c.ID(), "userID", c.UserID(), "conversationID", conversationID)

	rt.BroadcastToRoom(conversationID, protocol.MustEvent(protocol.EventUserLeftConversation, protocol.ConversationPresenceData{
		UserID:         c.UserID(),
		ConversationID: conversationID,
	}), c)
}

// RemoveClient drops a disconnecting connection from every room it joined,
// with leave notices so open threads can update their viewer lists.
func (rt *Router) RemoveClient(c *Client) {
	rt.mu.RLock()
	var joined []string
	for conversationID, room := range rt.rooms {
		if room[c] {
			joined = append(joined, conversationID)
		}
	}
	rt.mu.RUnlock()

	for _, conversationID := range joined {
		rt.LeaveConversation(c, conversationID)
	}
}

// RouteMessage delivers the envelope twice, by design, for reliability:
// to the conversation room excluding the sender (open threads see it
// instantly) and directly to the recipient's personal connection (a
// foregrounded recipient not viewing this thread still gets it). Finally it
// acks the sender with the correlation id. Empty rooms and offline
// recipients are not errors; the live side-channel is simply skipped.
func (rt *Router) RouteMessage(env *protocol.MessageEnvelope, sender *Client) {
	ev := protocol.MustEvent(protocol.EventNewMessage, env)

	delivered := rt.BroadcastToRoom(env.ConversationID, ev, sender)

	if recipient := rt.registry.ClientFor(env.RecipientID); recipient != nil && recipient != sender {
		if err := recipient.SendEvent(ev); err == nil {
			delivered++
		}
	}

	slog.Debug("Message routed", "messageId", env.MessageID, "conversationID", env.ConversationID, "delivered", delivered)

	if sender != nil {
		sender.SendEvent(protocol.MustEvent(protocol.EventMessageSent, protocol.MessageSentData{
			MessageID:      env.MessageID,
			ConversationID: env.ConversationID,
			Timestamp:      time.Now(),
		}))
	}
}

// BroadcastToRoom sends the event to every room member except the excluded
// connection. Returns the number of successful deliveries.
func (rt *Router) BroadcastToRoom(conversationID string, ev *protocol.Event, except *Client) int {
	rt.mu.RLock()
	members := make([]*Client, 0, len(rt.rooms[conversationID]))
	for c := range rt.rooms[conversationID] {
		if c != except {
			members = append(members, c)
		}
	}
	rt.mu.RUnlock()

	sent := 0
	for _, c := range members {
		if err := c.SendEvent(ev); err == nil {
			sent++
		}
	}
	return sent
}

// BroadcastToRoomExceptUser is BroadcastToRoom with exclusion by user
// identity, used when the excluded party's connection may already be gone
// (typing timeouts firing after a disconnect).
func (rt *Router) BroadcastToRoomExceptUser(conversationID string, ev *protocol.Event, exceptUserID string) int {
	rt.mu.RLock()
	members := make([]*Client, 0, len(rt.rooms[conversationID]))
	for c := range rt.rooms[conversationID] {
		if c.UserID() != exceptUserID {
			members = append(members, c)
		}
	}
	rt.mu.RUnlock()

	sent := 0
	for _, c := range members {
		if err := c.SendEvent(ev); err == nil {
			sent++
		}
	}
	return sent
}

// Members returns the current room membership for "who's viewing this thread".
func (rt *Router) Members(conversationID string) []protocol.ConversationMember {
	rt.mu.RLock()
	members := make([]protocol.ConversationMember, 0, len(rt.rooms[conversationID]))
	for c := range rt.rooms[conversationID] {
		members = append(members, protocol.ConversationMember{UserID: c.UserID(), SocketID: c.ID()})
	}
	rt.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members
}

func (rt *Router) RoomCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.rooms)
}
