package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

// MongoMessages is the document-store adapter behind MessageStore.
type MongoMessages struct {
	coll *mongo.Collection
}

func NewMongoMessages(db *mongo.Database) (*MongoMessages, error) {
	m := &MongoMessages{coll: db.Collection(messagesCollection)}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "conversationId", Value: 1},
				{Key: "serverTimestamp", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "messageId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message indexes: %w", err)
	}

	return m, nil
}

func (m *MongoMessages) Append(ctx context.Context, rec *MessageRecord) error {
	if rec.ReadBy == nil {
		// The sender has trivially read their own message.
		rec.ReadBy = []string{rec.SenderID}
	}
	_, err := m.coll.InsertOne(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		// Same correlation id delivered twice; the first copy wins.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit messages in chronological order.
func (m *MongoMessages) RecentMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "serverTimestamp", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := m.coll.Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}

	var records []MessageRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	// Newest-first from the index, oldest-first for the caller.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

func (m *MongoMessages) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	filter := bson.M{
		"conversationId": conversationID,
		"senderId":       bson.M{"$ne": userID},
		"readBy":         bson.M{"$ne": userID},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "serverTimestamp", Value: 1}}).
		SetProjection(bson.M{"messageId": 1})

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query unread messages: %w", err)
	}

	var partial []struct {
		MessageID string `bson:"messageId"`
	}
	if err := cursor.All(ctx, &partial); err != nil {
		return nil, fmt.Errorf("failed to decode unread messages: %w", err)
	}

	ids := make([]string, 0, len(partial))
	for _, p := range partial {
		ids = append(ids, p.MessageID)
	}
	return ids, nil
}

// MarkRead records one batched receipt; re-reading already-read ids is a
// no-op thanks to $addToSet.
func (m *MongoMessages) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	filter := bson.M{
		"conversationId": conversationID,
		"messageId":      bson.M{"$in": messageIDs},
	}
	update := bson.M{"$addToSet": bson.M{"readBy": userID}}

	if _, err := m.coll.UpdateMany(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}
