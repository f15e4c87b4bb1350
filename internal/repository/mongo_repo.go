package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/helpinghands/assist-chat/internal/chaterr"
	"github.com/helpinghands/assist-chat/internal/models"
)

type MongoRepo struct {
	msgCol  *mongo.Collection
	convCol *mongo.Collection
}

func NewMongoRepo(msgCol, convCol *mongo.Collection) *MongoRepo {
	return &MongoRepo{msgCol: msgCol, convCol: convCol}
}

// EnsureIndexes creates the indexes the stores rely on, including the unique
// request_id index that backs FindOrCreateByRequest.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.convCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants.id", Value: 1}, {Key: "last_message_time", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}
	_, err = r.msgCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "receiver", Value: 1}, {Key: "read", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

func (r *MongoRepo) InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		// BSON dates keep milliseconds; truncate so the returned value matches what is stored
		m.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if _, err := r.msgCol.InsertOne(ctx, m); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *MongoRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.msgCol.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]*models.Message, 0)
	for cur.Next(ctx) {
		var m models.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (r *MongoRepo) MarkReadForReceiver(ctx context.Context, conversationID, receiverID string, at time.Time) (int64, error) {
	filter := bson.M{"conversation_id": conversationID, "receiver": receiverID, "read": false}
	res, err := r.msgCol.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"read": true, "read_at": at}})
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.ModifiedCount, nil
}

func (r *MongoRepo) CountUnread(ctx context.Context, conversationID, receiverID string) (int64, error) {
	return r.msgCol.CountDocuments(ctx, bson.M{"conversation_id": conversationID, "receiver": receiverID, "read": false})
}

func (r *MongoRepo) FindOrCreateByRequest(ctx context.Context, c *models.Conversation) (*models.Conversation, bool, error) {
	now := time.Now().UTC()
	id := NewID()
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          id,
		"participants": c.Participants,
		"created_at":   now,
		"updated_at":   now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out models.Conversation
	err := r.convCol.FindOneAndUpdate(ctx, bson.M{"request_id": c.RequestID}, update, opts).Decode(&out)
	if err == nil {
		return &out, out.ID == id, nil
	}
	// two upserts racing on the unique index: the loser reads the winner's row
	if mongo.IsDuplicateKeyError(err) {
		existing, ferr := r.GetByRequest(ctx, c.RequestID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("upsert conversation: %w", err)
}

func (r *MongoRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	return r.findOneConversation(ctx, bson.M{"_id": id})
}

func (r *MongoRepo) GetByRequest(ctx context.Context, requestID string) (*models.Conversation, error) {
	return r.findOneConversation(ctx, bson.M{"request_id": requestID})
}

func (r *MongoRepo) findOneConversation(ctx context.Context, filter bson.M) (*models.Conversation, error) {
	var c models.Conversation
	if err := r.convCol.FindOne(ctx, filter).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chaterr.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *MongoRepo) UpdateLastMessage(ctx context.Context, id, content string, at time.Time) error {
	res, err := r.convCol.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"last_message":      content,
		"last_message_time": at,
		"updated_at":        time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return chaterr.ErrNotFound
	}
	return nil
}

func (r *MongoRepo) ListForParticipant(ctx context.Context, participantID string) ([]*models.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_time", Value: -1}, {Key: "updated_at", Value: -1}})
	cur, err := r.convCol.Find(ctx, bson.M{"participants.id": participantID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := make([]*models.Conversation, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
