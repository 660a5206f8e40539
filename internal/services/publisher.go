package services

import (
	"context"

	"log/slog"

	"realtime-service/internal/realtime"
	"realtime-service/internal/store"
	"realtime-service/pkg/protocol"
)

// Archiver writes delivered envelopes into the message store so the history
// REST surface has something to serve. It sits outside the relay path; a
// failed archive never fails delivery.
type Archiver struct {
	messages store.MessageStore
}

func NewArchiver(messages store.MessageStore) *Archiver {
	return &Archiver{messages: messages}
}

func (a *Archiver) PublishPresence(ctx context.Context, userID, status string) {
	// Presence lives in redis; nothing to archive.
}

func (a *Archiver) PublishDelivered(ctx context.Context, env *protocol.MessageEnvelope) {
	rec := &store.MessageRecord{
		MessageID:       env.MessageID,
		ConversationID:  env.ConversationID,
		SenderID:        env.SenderID,
		RecipientID:     env.RecipientID,
		Message:         env.Message,
		ServerTimestamp: env.ServerTimestamp,
	}
	if err := a.messages.Append(ctx, rec); err != nil {
		slog.Error("Failed to archive delivered message",
			"messageID", env.MessageID, "conversationID", env.ConversationID, "error", err)
	}
}

// FanoutPublisher forwards each event to every wired publisher.
type FanoutPublisher struct {
	targets []realtime.EventPublisher
}

// NewFanoutPublisher skips nil targets so optional sinks (kafka with no
// brokers configured) drop out cleanly.
func NewFanoutPublisher(targets ...realtime.EventPublisher) *FanoutPublisher {
	f := &FanoutPublisher{}
	for _, t := range targets {
		if t != nil {
			f.targets = append(f.targets, t)
		}
	}
	return f
}

func (f *FanoutPublisher) PublishPresence(ctx context.Context, userID, status string) {
	for _, t := range f.targets {
		t.PublishPresence(ctx, userID, status)
	}
}

func (f *FanoutPublisher) PublishDelivered(ctx context.Context, env *protocol.MessageEnvelope) {
	for _, t := range f.targets {
		t.PublishDelivered(ctx, env)
	}
}
