package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/annel0/sharedobjects/internal/vec"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for the MongoDB position repository.
type MongoConfig struct {
	URI        string        `yaml:"uri"`        // e.g. mongodb://localhost:27017
	Database   string        `yaml:"database"`   // e.g. sharedobj
	Collection string        `yaml:"collection"` // e.g. peer_positions
	MaxAge     time.Duration `yaml:"max_age"`    // positions older than this are reported unknown
	// ExpireAfter enables a TTL index that removes documents of peers that
	// stopped reporting. Zero disables it.
	ExpireAfter time.Duration `yaml:"expire_after"`
}

// MongoPositionRepo implements PositionRepo on a MongoDB collection.
// One document per peer, keyed by the peer id.
type MongoPositionRepo struct {
	client     *mongo.Client
	collection *mongo.Collection
	maxAge     time.Duration
}

type mongoPosition struct {
	PeerID    string    `bson:"_id"`
	X         float64   `bson:"x"`
	Y         float64   `bson:"y"`
	Z         float64   `bson:"z"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoPositionRepo establishes connection and returns repository.
func NewMongoPositionRepo(ctx context.Context, cfg MongoConfig) (*MongoPositionRepo, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "sharedobj"
	}
	if cfg.Collection == "" {
		cfg.Collection = "peer_positions"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	// ping
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	repo := &MongoPositionRepo{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		maxAge:     cfg.MaxAge,
	}
	if cfg.ExpireAfter > 0 {
		if err := repo.ensureTTLIndex(ctx, cfg.ExpireAfter); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
	}
	return repo, nil
}

func (m *MongoPositionRepo) ensureTTLIndex(ctx context.Context, expireAfter time.Duration) error {
	idx := mongo.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(int32(expireAfter.Seconds())).
			SetName("updated_at_ttl"),
	}
	if _, err := m.collection.Indexes().CreateOne(ctx, idx); err != nil {
		return fmt.Errorf("mongo ttl index: %w", err)
	}
	return nil
}

// Save upserts the peer position.
func (m *MongoPositionRepo) Save(ctx context.Context, peerID string, pos vec.Vec3) error {
	if err := validatePosition(peerID, pos); err != nil {
		return err
	}
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": peerID},
		bson.M{"$set": bson.M{"x": pos.X, "y": pos.Y, "z": pos.Z, "updated_at": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo save %s: %w", peerID, err)
	}
	return nil
}

// Load returns the peer position; found is false for missing or stale entries.
func (m *MongoPositionRepo) Load(ctx context.Context, peerID string) (vec.Vec3, bool, error) {
	if peerID == "" {
		return vec.Vec3{}, false, ErrInvalidPeerID
	}
	var doc mongoPosition
	err := m.collection.FindOne(ctx, bson.M{"_id": peerID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return vec.Vec3{}, false, nil
	}
	if err != nil {
		return vec.Vec3{}, false, fmt.Errorf("mongo load %s: %w", peerID, err)
	}
	if isStale(doc.UpdatedAt, time.Now(), m.maxAge) {
		return vec.Vec3{}, false, nil
	}
	return vec.New(doc.X, doc.Y, doc.Z), true, nil
}

// Delete removes the peer. A missing peer is not an error.
func (m *MongoPositionRepo) Delete(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrInvalidPeerID
	}
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": peerID}); err != nil {
		return fmt.Errorf("mongo delete %s: %w", peerID, err)
	}
	return nil
}

// BatchSave upserts all positions in one unordered bulk write.
func (m *MongoPositionRepo) BatchSave(ctx context.Context, positions map[string]vec.Vec3) error {
	if len(positions) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(positions))
	for peerID, pos := range positions {
		if err := validatePosition(peerID, pos); err != nil {
			return fmt.Errorf("batch %q: %w", peerID, err)
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": peerID}).
			SetUpdate(bson.M{"$set": bson.M{"x": pos.X, "y": pos.Y, "z": pos.Z, "updated_at": now}}).
			SetUpsert(true))
	}
	if _, err := m.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("mongo batch save: %w", err)
	}
	return nil
}

// Snapshot returns all peers sorted by id.
func (m *MongoPositionRepo) Snapshot(ctx context.Context) ([]PeerPosition, error) {
	cur, err := m.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongo snapshot: %w", err)
	}
	defer cur.Close(ctx)

	var docs []mongoPosition
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo snapshot decode: %w", err)
	}

	now := time.Now()
	result := make([]PeerPosition, 0, len(docs))
	for _, d := range docs {
		pos := vec.New(d.X, d.Y, d.Z)
		result = append(result, PeerPosition{
			PeerID:    d.PeerID,
			Position:  pos,
			Known:     pos.IsFinite() && !isStale(d.UpdatedAt, now, m.maxAge),
			UpdatedAt: d.UpdatedAt,
		})
	}
	return result, nil
}

// Close disconnects the client.
func (m *MongoPositionRepo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
