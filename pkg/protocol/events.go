package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventName identifies a socket event using a custom enum type for better type safety
type EventName string

// Client -> server events
const (
	EventJoin                 EventName = "join"
	EventJoinConversation     EventName = "join-conversation"
	EventLeaveConversation    EventName = "leave-conversation"
	EventSendMessage          EventName = "send-message"
	EventTyping               EventName = "typing"
	EventMessagesRead         EventName = "messages-read"
	EventCheckUserStatus      EventName = "check-user-status"
	EventGetConversationUsers EventName = "get-conversation-users"
)

// Server -> client events
const (
	EventWelcome                 EventName = "welcome"
	EventJoined                  EventName = "joined"
	EventUserStatus              EventName = "user-status"
	EventUserJoinedConversation  EventName = "user-joined-conversation"
	EventUserLeftConversation    EventName = "user-left-conversation"
	EventNewMessage              EventName = "new-message"
	EventMessageSent             EventName = "message-sent"
	EventMessageError            EventName = "message-error"
	EventUserTyping              EventName = "user-typing"
	EventConversationUsers       EventName = "conversation-users"
	EventError                   EventName = "error"
)

func (e EventName) String() string {
	return string(e)
}

// IsClientEvent reports whether the event is one a client may send to the server.
func (e EventName) IsClientEvent() bool {
	switch e {
	case EventJoin, EventJoinConversation, EventLeaveConversation, EventSendMessage,
		EventTyping, EventMessagesRead, EventCheckUserStatus, EventGetConversationUsers:
		return true
	default:
		return false
	}
}

// CloseSessionReplaced is the websocket close code sent to a connection that
// was evicted because a newer connection announced the same user identity.
// The evicted side uses it to decide not to auto-reconnect.
const CloseSessionReplaced = 4001

// Event is the wire frame shared by both directions.
type Event struct {
	Name EventName       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent marshals payload into a wire frame.
func NewEvent(name EventName, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return &Event{Name: name, Data: data}, nil
}

// MustEvent is NewEvent for payloads that cannot fail to marshal (plain structs).
func MustEvent(name EventName, payload any) *Event {
	ev, err := NewEvent(name, payload)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Name)
	}
	return json.Unmarshal(e.Data, out)
}

// ---------------------------------------------------------------------------
// Client -> server payloads
// ---------------------------------------------------------------------------

type JoinData struct {
	UserID string `json:"userId"`
}

func (d *JoinData) Validate() error {
	if d.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

type ConversationData struct {
	ConversationID string `json:"conversationId"`
}

func (d *ConversationData) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("conversationId is required")
	}
	return nil
}

// SendMessageData carries one outbound chat message. MessageID is the
// client-generated correlation id reconciled by message-sent / message-error.
type SendMessageData struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	RecipientID    string `json:"recipientId"`
}

func (d *SendMessageData) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("conversationId is required")
	}
	if d.Message == "" {
		return fmt.Errorf("message is required")
	}
	if d.RecipientID == "" {
		return fmt.Errorf("recipientId is required")
	}
	return nil
}

type TypingData struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

func (d *TypingData) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("conversationId is required")
	}
	if d.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

type MessagesReadData struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
}

func (d *MessagesReadData) Validate() error {
	if d.ConversationID == "" {
		return fmt.Errorf("conversationId is required")
	}
	if len(d.MessageIDs) == 0 {
		return fmt.Errorf("messageIds is required")
	}
	if d.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

type CheckUserStatusData struct {
	UserID string `json:"userId"`
}

func (d *CheckUserStatusData) Validate() error {
	if d.UserID == "" {
		return fmt.Errorf("userId is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> client payloads
// ---------------------------------------------------------------------------

type WelcomeData struct {
	SocketID string `json:"socketId"`
}

type JoinedData struct {
	UserID    string    `json:"userId"`
	SocketID  string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserStatusData struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"` // "online" or "offline"
	Reason   string     `json:"reason,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ConversationPresenceData struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// MessageEnvelope is the delivered form of a chat message. ServerTimestamp is
// stamped by the server when relaying; MessageID is the sender's correlation id.
type MessageEnvelope struct {
	MessageID       string    `json:"messageId"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	RecipientID     string    `json:"recipientId"`
	Message         string    `json:"message"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

type MessageSentData struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

type MessageErrorData struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type UserTypingData struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	Timeout        bool   `json:"timeout,omitempty"`
}

type ConversationMember struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
}

type ConversationUsersData struct {
	ConversationID string               `json:"conversationId"`
	OnlineUsers    []ConversationMember `json:"onlineUsers"`
}

type ErrorData struct {
	Message string `json:"message"`
}
