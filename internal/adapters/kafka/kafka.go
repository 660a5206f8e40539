package kafka

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"realtime-service/pkg/protocol"

	"github.com/segmentio/kafka-go"
)

// Publisher mirrors transport events onto the kafka firehose for downstream
// consumers (notification fan-out, analytics). Delivery to connected clients
// never waits on it; a nil Publisher silently drops everything.
type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			Async:                  true,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}
}

func (p *Publisher) PublishPresence(ctx context.Context, userID, status string) {
	p.publish(ctx, userID, map[string]interface{}{
		"type":      "presence",
		"userId":    userID,
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) PublishDelivered(ctx context.Context, env *protocol.MessageEnvelope) {
	p.publish(ctx, env.ConversationID, map[string]interface{}{
		"type":      "message.delivered",
		"envelope":  env,
		"timestamp": time.Now().Unix(),
	})
}

func (p *Publisher) publish(ctx context.Context, key string, payload interface{}) {
	if p == nil || p.writer == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal kafka payload", "error", err)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		slog.Error("Failed to publish kafka message", "key", key, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
