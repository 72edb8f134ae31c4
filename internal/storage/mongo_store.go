package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/models"
)

var mongoFieldKeys = map[Field]string{
	FieldUserID:   "user_id",
	FieldDriverID: "driver_id",
}

// MongoStore keeps rides as documents in a "rides" collection keyed by _id.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	clock      clock.Clock
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection("rides"),
		clock:      clock.Real,
	}, nil
}

// EnsureIndexes creates the lookup indexes used by the Find methods.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "driver_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "distance_km", Value: 1}}},
		{Keys: bson.D{{Key: "fare", Value: 1}}},
	})
	return err
}

func (m *MongoStore) Close(ctx context.Context) error { return m.client.Disconnect(ctx) }

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *MongoStore) Save(ctx context.Context, r models.Ride) (models.Ride, error) {
	r = prepare(r, m.clock.Now().UTC())
	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": r.ID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return r, nil
}

func (m *MongoStore) FindByID(ctx context.Context, id string) (models.Ride, error) {
	var r models.Ride
	err := m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return r, nil
}

func (m *MongoStore) FindByStatus(ctx context.Context, status models.RideStatus) ([]models.Ride, error) {
	return m.find(ctx, bson.M{"status": status})
}

func (m *MongoStore) FindByField(ctx context.Context, field Field, value string, status models.RideStatus) ([]models.Ride, error) {
	key, ok := mongoFieldKeys[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	filter := bson.M{key: value}
	if status != "" {
		filter["status"] = status
	}
	return m.find(ctx, filter)
}

func (m *MongoStore) FindByDistance(ctx context.Context, minKm, maxKm float64) ([]models.Ride, error) {
	if err := checkDistance(minKm, maxKm); err != nil {
		return nil, err
	}
	return m.find(ctx, bson.M{"distance_km": bson.M{"$gte": minKm, "$lte": maxKm}})
}

func (m *MongoStore) FindByCreatedRange(ctx context.Context, start, end time.Time) ([]models.Ride, error) {
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return m.find(ctx, bson.M{"created_at": bson.M{"$gte": start.UTC(), "$lt": end.UTC()}})
}

func (m *MongoStore) ListByFare(ctx context.Context, order SortOrder) ([]models.Ride, error) {
	order, err := ParseSortOrder(string(order))
	if err != nil {
		return nil, err
	}
	dir := 1
	if order == Descending {
		dir = -1
	}
	return m.findSorted(ctx, bson.M{}, bson.D{{Key: "fare", Value: dir}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

func (m *MongoStore) find(ctx context.Context, filter bson.M) ([]models.Ride, error) {
	return m.findSorted(ctx, filter, bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
}

func (m *MongoStore) findSorted(ctx context.Context, filter bson.M, sort bson.D) ([]models.Ride, error) {
	cur, err := m.collection.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	out := make([]models.Ride, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}
