package realtime

import (
	"encoding/json"
	"testing"

	"realtime-service/pkg/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherJoinAcksAndBroadcasts(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	drainEvents(a)
	drainEvents(b)

	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))

	acks := eventsNamed(drainEvents(a), "joined")
	require.Len(t, acks, 1)
	var joined protocol.JoinedData
	require.NoError(t, json.Unmarshal(acks[0].Data, &joined))
	assert.Equal(t, "user-1", joined.UserID)
	assert.Equal(t, a.ID(), joined.SocketID)

	statuses := eventsNamed(drainEvents(b), "user-status")
	require.Len(t, statuses, 1, "other connections get the presence broadcast")
	var status protocol.UserStatusData
	require.NoError(t, json.Unmarshal(statuses[0].Data, &status))
	assert.Equal(t, "online", status.Status)
	assert.Equal(t, "user-1", status.UserID)
}

func TestDispatcherStaleSessionEvictionScenario(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, aConn := newTestClient(hub)
	b, _ := newTestClient(hub)

	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(b, mustRaw("join", protocol.JoinData{UserID: "user-1"}))

	// A was closed with the session-replaced code.
	assert.True(t, aConn.isClosed())
	frames := aConn.writtenFrames()
	require.NotEmpty(t, frames)
	closeFrame := frames[len(frames)-1]
	assert.Equal(t, websocket.CloseMessage, closeFrame.messageType)
	assert.Equal(t, websocket.FormatCloseMessage(protocol.CloseSessionReplaced, "session replaced by newer connection"), closeFrame.data)

	// user-1 maps to B only.
	assert.Equal(t, b, d.registry.ClientFor("user-1"))
}

func TestDispatcherValidationErrorMutatesNothing(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	drainEvents(a)

	d.HandleEvent(a, mustRaw("join", protocol.JoinData{}))

	errs := eventsNamed(drainEvents(a), "error")
	require.Len(t, errs, 1)
	assert.Equal(t, 0, d.registry.OnlineCount(), "failed validation must not mutate state")
}

func TestDispatcherSendMessageMissingFields(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	drainEvents(a)

	d.HandleEvent(a, mustRaw("send-message", protocol.SendMessageData{
		ConversationID: "c1",
		// message and recipientId missing
	}))

	events := drainEvents(a)
	assert.Len(t, eventsNamed(events, "error"), 1)
	assert.Empty(t, eventsNamed(events, "message-sent"))
	assert.Empty(t, eventsNamed(events, "message-error"))
}

func TestDispatcherSendMessageExactlyOneAck(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(b, mustRaw("join", protocol.JoinData{UserID: "user-2"}))
	d.HandleEvent(a, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	drainEvents(a)
	drainEvents(b)

	d.HandleEvent(a, mustRaw("send-message", protocol.SendMessageData{
		MessageID:      "corr-K",
		ConversationID: "c1",
		Message:        "hello",
		RecipientID:    "user-2",
	}))

	events := drainEvents(a)
	acks := eventsNamed(events, "message-sent")
	errs := eventsNamed(events, "message-error")
	require.Len(t, acks, 1, "exactly one message-sent")
	require.Empty(t, errs, "never both ack and error")

	var ack protocol.MessageSentData
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.Equal(t, "corr-K", ack.MessageID)
	assert.False(t, ack.Timestamp.IsZero())

	// Recipient got the envelope with a server timestamp and sender identity.
	msgs := eventsNamed(drainEvents(b), "new-message")
	require.Len(t, msgs, 1)
	var env protocol.MessageEnvelope
	require.NoError(t, json.Unmarshal(msgs[0].Data, &env))
	assert.Equal(t, "user-1", env.SenderID)
	assert.Equal(t, "corr-K", env.MessageID)
	assert.False(t, env.ServerTimestamp.IsZero())
}

func TestDispatcherMessagesReadRelayedAsOneBatch(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	reader, _ := newTestClient(hub)
	other, _ := newTestClient(hub)
	d.HandleEvent(reader, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(other, mustRaw("join", protocol.JoinData{UserID: "user-2"}))
	d.HandleEvent(reader, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	d.HandleEvent(other, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	drainEvents(reader)
	drainEvents(other)

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	d.HandleEvent(reader, mustRaw("messages-read", protocol.MessagesReadData{
		ConversationID: "c1",
		MessageIDs:     ids,
		UserID:         "user-1",
	}))

	receipts := eventsNamed(drainEvents(other), "messages-read")
	require.Len(t, receipts, 1, "five reads arrive as one batched event")
	var receipt protocol.MessagesReadData
	require.NoError(t, json.Unmarshal(receipts[0].Data, &receipt))
	assert.Equal(t, ids, receipt.MessageIDs)

	assert.Empty(t, eventsNamed(drainEvents(reader), "messages-read"),
		"reader does not get its own receipt back")
}

func TestDispatcherCheckUserStatus(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(b, mustRaw("join", protocol.JoinData{UserID: "user-2"}))
	drainEvents(a)

	d.HandleEvent(a, mustRaw("check-user-status", protocol.CheckUserStatusData{UserID: "user-2"}))
	statuses := eventsNamed(drainEvents(a), "user-status")
	require.Len(t, statuses, 1)
	var online protocol.UserStatusData
	require.NoError(t, json.Unmarshal(statuses[0].Data, &online))
	assert.Equal(t, "online", online.Status)

	// Unknown users are plainly offline, not an error.
	d.HandleEvent(a, mustRaw("check-user-status", protocol.CheckUserStatusData{UserID: "stranger"}))
	statuses = eventsNamed(drainEvents(a), "user-status")
	require.Len(t, statuses, 1)
	var offline protocol.UserStatusData
	require.NoError(t, json.Unmarshal(statuses[0].Data, &offline))
	assert.Equal(t, "offline", offline.Status)
	assert.Nil(t, offline.LastSeen)
}

func TestDispatcherGetConversationUsers(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(b, mustRaw("join", protocol.JoinData{UserID: "user-2"}))
	d.HandleEvent(a, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	d.HandleEvent(b, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	drainEvents(a)

	d.HandleEvent(a, mustRaw("get-conversation-users", protocol.ConversationData{ConversationID: "c1"}))

	replies := eventsNamed(drainEvents(a), "conversation-users")
	require.Len(t, replies, 1)
	var users protocol.ConversationUsersData
	require.NoError(t, json.Unmarshal(replies[0].Data, &users))
	assert.Equal(t, "c1", users.ConversationID)
	require.Len(t, users.OnlineUsers, 2)
	assert.Equal(t, "user-1", users.OnlineUsers[0].UserID)
	assert.Equal(t, "user-2", users.OnlineUsers[1].UserID)
}

func TestDispatcherTypingBroadcastExcludesTypist(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(b, mustRaw("join", protocol.JoinData{UserID: "user-2"}))
	d.HandleEvent(a, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	d.HandleEvent(b, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	drainEvents(a)
	drainEvents(b)

	d.HandleEvent(a, mustRaw("typing", protocol.TypingData{
		ConversationID: "c1", UserID: "user-1", IsTyping: true,
	}))

	typings := eventsNamed(drainEvents(b), "user-typing")
	require.Len(t, typings, 1)
	var typing protocol.UserTypingData
	require.NoError(t, json.Unmarshal(typings[0].Data, &typing))
	assert.True(t, typing.IsTyping)
	assert.Equal(t, "user-1", typing.UserID)

	assert.Empty(t, eventsNamed(drainEvents(a), "user-typing"),
		"typist does not receive its own indicator")
}

func TestDispatcherUnknownEventYieldsTypedError(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	drainEvents(a)

	d.HandleEvent(a, []byte(`{"event":"self-destruct","data":{}}`))
	require.Len(t, eventsNamed(drainEvents(a), "error"), 1)

	d.HandleEvent(a, []byte(`not even json`))
	require.Len(t, eventsNamed(drainEvents(a), "error"), 1)
}

func TestDispatcherDoubleDisconnectSingleOfflineBroadcast(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	b, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	drainEvents(b)

	d.HandleDisconnect(a, "transport closed")
	d.HandleDisconnect(a, "transport closed")

	statuses := eventsNamed(drainEvents(b), "user-status")
	require.Len(t, statuses, 1, "second disconnect must not emit a second offline broadcast")
	var status protocol.UserStatusData
	require.NoError(t, json.Unmarshal(statuses[0].Data, &status))
	assert.Equal(t, "offline", status.Status)
	require.NotNil(t, status.LastSeen, "offline broadcast carries last-seen")
	assert.Equal(t, "transport closed", status.Reason)
}

func TestDispatcherDisconnectClearsRoomsAndTyping(t *testing.T) {
	hub := newTestHub(0)
	d := hub.dispatcher
	a, _ := newTestClient(hub)
	d.HandleEvent(a, mustRaw("join", protocol.JoinData{UserID: "user-1"}))
	d.HandleEvent(a, mustRaw("join-conversation", protocol.ConversationData{ConversationID: "c1"}))
	d.HandleEvent(a, mustRaw("typing", protocol.TypingData{
		ConversationID: "c1", UserID: "user-1", IsTyping: true,
	}))

	d.HandleDisconnect(a, "transport closed")

	assert.Empty(t, d.router.Members("c1"))
	assert.False(t, d.Typing().Active("c1", "user-1"))
}
