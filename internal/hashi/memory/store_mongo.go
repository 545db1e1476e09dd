package memory

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MessageCollection is the Mongo collection holding conversation turns.
const MessageCollection = "msg"

// mongoTurn is the document shape of a turn in the msg collection.
type mongoTurn struct {
	ID        string    `bson:"_id"`
	SessionID string    `bson:"sessionId"`
	Question  string    `bson:"question"`
	Answer    string    `bson:"answer"`
	MsgSize   int       `bson:"msgSize"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoStore implements Store on a MongoDB collection. Turn IDs are UUIDv7,
// so sorting by (createdAt, _id) keeps insertion order within a millisecond.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore uses the msg collection of db.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(MessageCollection)}
}

// EnsureIndexes creates the session lookup index. It is safe to call on
// every start.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("memory mongo: create index: %w", err)
	}
	return nil
}

func (m *MongoStore) Append(ctx context.Context, turn Turn) error {
	if turn.SessionID == "" {
		return ErrEmptySession
	}
	_, err := m.coll.InsertOne(ctx, mongoTurn{
		ID:        turn.ID,
		SessionID: turn.SessionID,
		Question:  turn.Question,
		Answer:    turn.Answer,
		MsgSize:   turn.Size,
		CreatedAt: turn.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("memory mongo: insert turn: %w", err)
	}
	return nil
}

func (m *MongoStore) Turns(ctx context.Context, sessionID string) ([]Turn, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := m.coll.Find(ctx, bson.M{"sessionId": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("memory mongo: find turns: %w", err)
	}
	var docs []mongoTurn
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("memory mongo: decode turns: %w", err)
	}

	out := make([]Turn, 0, len(docs))
	for _, d := range docs {
		out = append(out, Turn{
			ID:        d.ID,
			SessionID: d.SessionID,
			Question:  d.Question,
			Answer:    d.Answer,
			Size:      d.MsgSize,
			CreatedAt: d.CreatedAt,
		})
	}
	return out, nil
}

func (m *MongoStore) Delete(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.coll.DeleteMany(ctx, bson.M{
		"sessionId": sessionID,
		"_id":       bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("memory mongo: delete turns: %w", err)
	}
	return nil
}

func (m *MongoStore) Clear(ctx context.Context, sessionID string) (int, error) {
	res, err := m.coll.DeleteMany(ctx, bson.M{"sessionId": sessionID})
	if err != nil {
		return 0, fmt.Errorf("memory mongo: clear session: %w", err)
	}
	return int(res.DeletedCount), nil
}

func (m *MongoStore) SessionCount(ctx context.Context) (int, error) {
	ids, err := m.coll.Distinct(ctx, "sessionId", bson.M{})
	if err != nil {
		return 0, fmt.Errorf("memory mongo: distinct sessions: %w", err)
	}
	return len(ids), nil
}
