package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventCollection is the Mongo collection of processed events.
const EventCollection = "event"

type mongoEvent struct {
	EventID   string    `bson:"event_id"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"createdAt"`
}

// Mongo is a Deduplicator on a MongoDB collection with a unique index on
// event_id; a duplicate-key error on insert means the event was already
// claimed.
type Mongo struct {
	coll *mongo.Collection
}

// NewMongo uses the event collection of db.
func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{coll: db.Collection(EventCollection)}
}

// EnsureIndexes creates the unique event_id index Claim relies on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("dedup mongo: create index: %w", err)
	}
	return nil
}

func (m *Mongo) Has(ctx context.Context, eventID string) (bool, error) {
	err := m.coll.FindOne(ctx, bson.M{"event_id": eventID}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup mongo: lookup: %w", err)
	}
	return true, nil
}

func (m *Mongo) Mark(ctx context.Context, eventID, content string) error {
	_, err := m.Claim(ctx, eventID, content)
	return err
}

func (m *Mongo) Claim(ctx context.Context, eventID, content string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}
	_, err := m.coll.InsertOne(ctx, mongoEvent{
		EventID:   eventID,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup mongo: claim: %w", err)
	}
	return true, nil
}
