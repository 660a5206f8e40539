package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"realtime-service/pkg/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinAs(t *testing.T, hub *Hub, userID string) *Client {
	t.Helper()
	c, _ := newTestClient(hub)
	hub.dispatcher.registry.Join(context.Background(), c, userID)
	c.setUserID(userID)
	drainEvents(c)
	return c
}

func TestRouterJoinConversationIdempotent(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")

	router.JoinConversation(a, "c1")
	router.JoinConversation(b, "c1")
	drainEvents(b)

	router.JoinConversation(a, "c1") // repeat join

	assert.Empty(t, drainEvents(b), "repeated join must not re-broadcast")
	assert.Len(t, router.Members("c1"), 2)
}

func TestRouterJoinBroadcastsToRoomExcludingJoiner(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")

	router.JoinConversation(a, "c1")
	drainEvents(a)

	router.JoinConversation(b, "c1")

	notices := eventsNamed(drainEvents(a), "user-joined-conversation")
	require.Len(t, notices, 1)
	var data protocol.ConversationPresenceData
	require.NoError(t, json.Unmarshal(notices[0].Data, &data))
	assert.Equal(t, "user-2", data.UserID)

	assert.Empty(t, eventsNamed(drainEvents(b), "user-joined-conversation"),
		"joiner must not receive its own notice")
}

func TestRouterLeaveConversationIdempotent(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")
	router.JoinConversation(a, "c1")
	router.JoinConversation(b, "c1")
	drainEvents(b)

	router.LeaveConversation(a, "c1")
	require.Len(t, eventsNamed(drainEvents(b), "user-left-conversation"), 1)

	router.LeaveConversation(a, "c1")
	assert.Empty(t, drainEvents(b), "repeated leave must not re-broadcast")
}

func TestRouterEmptyRoomGarbageCollected(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")

	router.JoinConversation(a, "c1")
	require.Equal(t, 1, router.RoomCount())

	router.LeaveConversation(a, "c1")
	assert.Equal(t, 0, router.RoomCount())
}

func TestRouteMessageDualPathDelivery(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")
	router.JoinConversation(a, "c1")
	router.JoinConversation(b, "c1")
	drainEvents(a)
	drainEvents(b)

	env := &protocol.MessageEnvelope{
		MessageID:      "k1",
		ConversationID: "c1",
		SenderID:       "user-1",
		RecipientID:    "user-2",
		Message:        "hello",
	}
	router.RouteMessage(env, a)

	// Recipient gets the room copy plus the personal-room copy.
	bMsgs := eventsNamed(drainEvents(b), "new-message")
	assert.Len(t, bMsgs, 2, "recipient must receive at least one copy (dual path delivers two)")

	// Sender gets no broadcast copy, exactly one ack.
	aEvents := drainEvents(a)
	assert.Empty(t, eventsNamed(aEvents, "new-message"))
	acks := eventsNamed(aEvents, "message-sent")
	require.Len(t, acks, 1)
	var ack protocol.MessageSentData
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.Equal(t, "k1", ack.MessageID)
}

func TestRouteMessageNonRecipientRoomMemberGetsExactlyOneCopy(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")
	observer := joinAs(t, hub, "user-3")
	for _, c := range []*Client{a, b, observer} {
		router.JoinConversation(c, "c1")
	}
	drainEvents(observer)

	router.RouteMessage(&protocol.MessageEnvelope{
		MessageID:      "k2",
		ConversationID: "c1",
		SenderID:       "user-1",
		RecipientID:    "user-2",
		Message:        "hi",
	}, a)

	assert.Len(t, eventsNamed(drainEvents(observer), "new-message"), 1,
		"a room member who is not the recipient gets exactly one copy")
}

func TestRouteMessagePersonalRoomFallback(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2") // online, but not viewing c9
	router.JoinConversation(a, "c9")
	drainEvents(b)

	router.RouteMessage(&protocol.MessageEnvelope{
		MessageID:      "k3",
		ConversationID: "c9",
		SenderID:       "user-1",
		RecipientID:    "user-2",
		Message:        "fallback",
	}, a)

	msgs := eventsNamed(drainEvents(b), "new-message")
	require.Len(t, msgs, 1, "personal-room path must deliver exactly one copy")
	var env protocol.MessageEnvelope
	require.NoError(t, json.Unmarshal(msgs[0].Data, &env))
	assert.Equal(t, "c9", env.ConversationID)
}

func TestRouteMessageOfflineRecipientNotAnError(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")

	// Empty room, offline recipient: the live side-channel is skipped but the
	// sender is still acked.
	router.RouteMessage(&protocol.MessageEnvelope{
		MessageID:      "k4",
		ConversationID: "c-nobody",
		SenderID:       "user-1",
		RecipientID:    "user-gone",
		Message:        "into the void",
	}, a)

	assert.Len(t, eventsNamed(drainEvents(a), "message-sent"), 1)
}

func TestRouterRemoveClientLeavesAllRooms(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	b := joinAs(t, hub, "user-2")
	router.JoinConversation(a, "c1")
	router.JoinConversation(a, "c2")
	router.JoinConversation(b, "c1")
	drainEvents(b)

	router.RemoveClient(a)

	assert.Empty(t, router.Members("c2"))
	assert.Len(t, router.Members("c1"), 1)
	assert.Len(t, eventsNamed(drainEvents(b), "user-left-conversation"), 1)
}

func TestRouterMembersListsUserAndSocket(t *testing.T) {
	hub := newTestHub(0)
	router := hub.dispatcher.router
	a := joinAs(t, hub, "user-1")
	router.JoinConversation(a, "c1")

	members := router.Members("c1")
	require.Len(t, members, 1)
	assert.Equal(t, "user-1", members[0].UserID)
	assert.Equal(t, a.ID(), members[0].SocketID)
}
