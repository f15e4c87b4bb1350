package requests

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/helpinghands/assist-chat/internal/chaterr"
)

type requestDoc struct {
	Status      string `bson:"status"`
	RequesterID string `bson:"requester_id"`
	VolunteerID string `bson:"volunteer_id"`
}

// MongoSource reads the platform's requests collection directly.
type MongoSource struct {
	col *mongo.Collection
}

func NewMongoSource(col *mongo.Collection) *MongoSource {
	return &MongoSource{col: col}
}

func (s *MongoSource) GetApprovedAssignment(ctx context.Context, requestID string) (*Assignment, error) {
	var id any = requestID
	if oid, err := primitive.ObjectIDFromHex(requestID); err == nil {
		id = oid
	}
	var doc requestDoc
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, chaterr.ErrNotApproved
		}
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if !isApproved(doc.Status) || doc.RequesterID == "" || doc.VolunteerID == "" {
		return nil, chaterr.ErrNotApproved
	}
	return newAssignment(requestID, doc.RequesterID, doc.VolunteerID), nil
}
