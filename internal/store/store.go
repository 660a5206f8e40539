package store

import (
	"context"
	"time"
)

// MessageRecord is the durable form of a delivered message. Field names
// match the wire envelope so history reads round-trip without mapping.
type MessageRecord struct {
	MessageID       string    `bson:"messageId" json:"messageId"`
	ConversationID  string    `bson:"conversationId" json:"conversationId"`
	SenderID        string    `bson:"senderId" json:"senderId"`
	RecipientID     string    `bson:"recipientId,omitempty" json:"recipientId,omitempty"`
	Message         string    `bson:"message" json:"message"`
	ServerTimestamp time.Time `bson:"serverTimestamp" json:"serverTimestamp"`

	// ReadBy tracks read receipts; never serialized to clients.
	ReadBy []string `bson:"readBy,omitempty" json:"-"`
}

// MessageReader is the read contract the REST surface serves to clients.
type MessageReader interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error)
	UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error)
}

// MessageStore adds the write side: archiving delivered messages and
// recording batched read receipts.
type MessageStore interface {
	MessageReader
	Append(ctx context.Context, rec *MessageRecord) error
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) error
}

// User is the directory row for lookup and search.
type User struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Email     string    `gorm:"uniqueIndex" json:"email,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// UserDirectory resolves user identity for the REST surface. The transport
// itself never consults it; identity on the socket is announce-based.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*User, error)
	SearchByUsername(ctx context.Context, query string, limit int) ([]User, error)
}
