package approval

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/orchestrd/dataplane/model"
)

// auditRecord is the BSON document persisted per terminal disposition.
type auditRecord struct {
	RequestID string                  `bson:"request_id"`
	Kind      string                  `bson:"kind"`
	Requester string                  `bson:"requester"`
	Outcome   model.ApprovalOutcome   `bson:"outcome"`
	CreatedAt time.Time               `bson:"created_at"`
	ResolvedAt time.Time              `bson:"resolved_at"`
	Decisions []model.ApprovalDecision `bson:"decisions"`
}

// MongoStore persists approval dispositions to a Mongo collection for
// out-of-process audit review. It never gates correctness: a write
// failure is logged by the caller but does not block resolution.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore wraps an existing collection handle. Tests substitute a
// mocked *mongo.Client rather than standing up a containerized Mongo
// instance.
func NewMongoStore(collection *mongo.Collection) *MongoStore {
	return &MongoStore{collection: collection}
}

// Record implements AuditStore.
func (s *MongoStore) Record(ctx context.Context, req *model.ApprovalRequest) error {
	doc := auditRecord{
		RequestID:  req.ID,
		Kind:       req.Kind,
		Requester:  req.Requester,
		Outcome:    req.Outcome,
		CreatedAt:  req.CreatedAt,
		ResolvedAt: time.Now(),
		Decisions:  req.Decisions,
	}
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"request_id": req.ID},
		bson.M{"$set": doc},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("approval: record audit entry: %w", err)
	}
	return nil
}
