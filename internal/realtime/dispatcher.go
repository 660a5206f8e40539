package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"

	"github.com/google/uuid"
)

// EventPublisher mirrors presence and delivery events onto a broker for
// downstream consumers. Implementations must never block the dispatch path.
type EventPublisher interface {
	PublishPresence(ctx context.Context, userID, status string)
	PublishDelivered(ctx context.Context, env *protocol.MessageEnvelope)
}

// broadcaster delivers an event to every registered connection except one.
type broadcaster interface {
	BroadcastExcept(ev *protocol.Event, except *Client)
}

// Dispatcher decodes inbound client events, validates required fields,
// invokes the registry/router/typing tracker, and emits outbound events.
// Failures never cross the wire as anything but typed events.
type Dispatcher struct {
	registry    *Registry
	router      *Router
	typing      *TypingTracker
	publisher   EventPublisher // optional
	broadcaster broadcaster
}

// NewDispatcher wires the server core together. typingTTL <= 0 selects the
// production TTL.
func NewDispatcher(registry *Registry, router *Router, publisher EventPublisher, typingTTL time.Duration) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		router:    router,
		publisher: publisher,
	}
	d.typing = NewTypingTracker(typingTTL, func(data protocol.UserTypingData) {
		router.BroadcastToRoomExceptUser(data.ConversationID,
			protocol.MustEvent(protocol.EventUserTyping, data), data.UserID)
	})
	return d
}

// Typing exposes the tracker for state inspection.
func (d *Dispatcher) Typing() *TypingTracker {
	return d.typing
}

// HandleEvent is the dispatch boundary: panics during handling are caught
// here and converted to error events so one bad frame cannot take down the
// event loop.
func (d *Dispatcher) HandleEvent(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling event", "clientID", c.ID(), "userID", c.UserID(), "panic", r)
			c.sendError("internal error")
		}
	}()

	var ev protocol.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.sendError("invalid event format")
		return
	}
	if !ev.Name.IsClientEvent() {
		c.sendError(fmt.Sprintf("unknown event: %s", ev.Name))
		return
	}

	switch ev.Name {
	case protocol.EventJoin:
		d.handleJoin(c, &ev)
	case protocol.EventJoinConversation:
		d.handleJoinConversation(c, &ev)
	case protocol.EventLeaveConversation:
		d.handleLeaveConversation(c, &ev)
	case protocol.EventSendMessage:
		d.handleSendMessage(c, &ev)
	case protocol.EventTyping:
		d.handleTyping(c, &ev)
	case protocol.EventMessagesRead:
		d.handleMessagesRead(c, &ev)
	case protocol.EventCheckUserStatus:
		d.handleCheckUserStatus(c, &ev)
	case protocol.EventGetConversationUsers:
		d.handleGetConversationUsers(c, &ev)
	}
}

// HandleDisconnect runs the full teardown for a dropped connection. Safe to
// call more than once; only the first removal broadcasts offline status.
func (d *Dispatcher) HandleDisconnect(c *Client, reason string) {
	d.router.RemoveClient(c)

	userID, lastSeen, ok := d.registry.Disconnect(context.Background(), c)
	if !ok {
		return
	}

	d.typing.ClearUser(userID)

	if d.broadcaster != nil {
		d.broadcaster.BroadcastExcept(protocol.MustEvent(protocol.EventUserStatus, protocol.UserStatusData{
			UserID:   userID,
			Status:   "offline",
			Reason:   reason,
			LastSeen: &lastSeen,
		}), c)
	}

	if d.publisher != nil {
		d.publisher.PublishPresence(context.Background(), userID, "offline")
	}
}

func (d *Dispatcher) handleJoin(c *Client, ev *protocol.Event) {
	var data protocol.JoinData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}

	evicted := d.registry.Join(context.Background(), c, data.UserID)
	if evicted != nil {
		evicted.Evict(protocol.CloseSessionReplaced, "session replaced by newer connection")
	}
	c.setUserID(data.UserID)

	c.SendEvent(protocol.MustEvent(protocol.EventJoined, protocol.JoinedData{
		UserID:    data.UserID,
		SocketID:  c.ID(),
		Timestamp: time.Now(),
	}))

	if d.broadcaster != nil {
		d.broadcaster.BroadcastExcept(protocol.MustEvent(protocol.EventUserStatus, protocol.UserStatusData{
			UserID: data.UserID,
			Status: "online",
		}), c)
	}

	if d.publisher != nil {
		d.publisher.PublishPresence(context.Background(), data.UserID, "online")
	}
}

func (d *Dispatcher) handleJoinConversation(c *Client, ev *protocol.Event) {
	var data protocol.ConversationData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}
	d.router.JoinConversation(c, data.ConversationID)
}

func (d *Dispatcher) handleLeaveConversation(c *Client, ev *protocol.Event) {
	var data protocol.ConversationData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}
	d.router.LeaveConversation(c, data.ConversationID)
}

func (d *Dispatcher) handleSendMessage(c *Client, ev *protocol.Event) {
	var data protocol.SendMessageData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}
	if data.MessageID == "" {
		data.MessageID = uuid.New().String()
	}

	env := &protocol.MessageEnvelope{
		MessageID:       data.MessageID,
		ConversationID:  data.ConversationID,
		SenderID:        c.UserID(),
		RecipientID:     data.RecipientID,
		Message:         data.Message,
		ServerTimestamp: time.Now(),
	}

	// Delivery failures surface per-message to the sender, carrying the
	// correlation id, and leave registry/room state untouched.
	if err := d.deliver(env, c); err != nil {
		slog.Error("Message delivery failed", "messageId", env.MessageID, "error", err)
		c.SendEvent(protocol.MustEvent(protocol.EventMessageError, protocol.MessageErrorData{
			MessageID: env.MessageID,
			Error:     "delivery failed",
		}))
		return
	}

	if d.publisher != nil {
		d.publisher.PublishDelivered(context.Background(), env)
	}
}

func (d *Dispatcher) deliver(env *protocol.MessageEnvelope, sender *Client) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during delivery: %v", r)
		}
	}()
	d.router.RouteMessage(env, sender)
	return nil
}

func (d *Dispatcher) handleTyping(c *Client, ev *protocol.Event) {
	var data protocol.TypingData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}

	if data.IsTyping {
		d.typing.Start(data.ConversationID, data.UserID)
	} else {
		d.typing.Stop(data.ConversationID, data.UserID)
	}
}

func (d *Dispatcher) handleMessagesRead(c *Client, ev *protocol.Event) {
	var data protocol.MessagesReadData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}

	// Transient relay; durable read-state persistence is the store's concern.
	d.router.BroadcastToRoom(data.ConversationID,
		protocol.MustEvent(protocol.EventMessagesRead, data), c)
}

func (d *Dispatcher) handleCheckUserStatus(c *Client, ev *protocol.Event) {
	var data protocol.CheckUserStatusData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}

	status := protocol.UserStatusData{UserID: data.UserID, Status: "offline"}
	if d.registry.IsOnline(data.UserID) {
		status.Status = "online"
	} else if ts, ok := d.registry.LastSeen(data.UserID); ok {
		status.LastSeen = &ts
	}

	c.SendEvent(protocol.MustEvent(protocol.EventUserStatus, status))
}

func (d *Dispatcher) handleGetConversationUsers(c *Client, ev *protocol.Event) {
	var data protocol.ConversationData
	if err := decodeAndValidate(ev, &data); err != nil {
		c.sendError(err.Error())
		return
	}

	c.SendEvent(protocol.MustEvent(protocol.EventConversationUsers, protocol.ConversationUsersData{
		ConversationID: data.ConversationID,
		OnlineUsers:    d.router.Members(data.ConversationID),
	}))
}

type validator interface {
	Validate() error
}

func decodeAndValidate(ev *protocol.Event, out validator) error {
	if err := ev.Decode(out); err != nil {
		return fmt.Errorf("invalid %s payload", ev.Name)
	}
	return out.Validate()
}
