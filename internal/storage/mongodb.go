package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
)

type mongoRecord struct {
	ItemID     string          `bson:"_id"`
	Requested  map[string]bool `bson:"requested,omitempty"`
	Dispatched []string        `bson:"dispatched,omitempty"`
}

// MongoDBStorage implements Storage interface using MongoDB
type MongoDBStorage struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoDBStorage connects to MongoDB and verifies the connection
func NewMongoDBStorage(cfg config.StorageConfig) (*MongoDBStorage, error) {
	if cfg.MongoDBURI == "" {
		return nil, fmt.Errorf("mongodb connection URI is empty")
	}

	clientOptions := options.Client().ApplyURI(cfg.MongoDBURI).
		SetConnectTimeout(5 * time.Second).
		SetSocketTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.MongoDatabase).Collection(cfg.TableName)
	return &MongoDBStorage{client: client, collection: coll}, nil
}

func newMongoDBStorage(coll *mongo.Collection) *MongoDBStorage {
	return &MongoDBStorage{collection: coll}
}

func (m *MongoDBStorage) getRecord(ctx context.Context, itemID string) (*mongoRecord, error) {
	var rec mongoRecord
	err := m.collection.FindOne(ctx, bson.M{"_id": itemID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &mongoRecord{ItemID: itemID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get publish state for item %s: %w", itemID, err)
	}
	return &rec, nil
}

// GetRequested reads the requested flags of an item
func (m *MongoDBStorage) GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error) {
	rec, err := m.getRecord(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return models.PlatformSetFromFlags(rec.Requested), nil
}

// SetRequested overwrites the requested flags
func (m *MongoDBStorage) SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	_, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": itemID},
		bson.M{"$set": bson.M{"requested": platforms.Flags()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store requested platforms for item %s: %w", itemID, err)
	}
	return nil
}

// GetDispatched reads the dispatched platforms of an item
func (m *MongoDBStorage) GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error) {
	rec, err := m.getRecord(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return models.ParsePlatformSet(rec.Dispatched), nil
}

// AddDispatched merges platforms with $addToSet
func (m *MongoDBStorage) AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	if platforms.Empty() {
		return nil
	}

	_, err := m.collection.UpdateOne(ctx,
		bson.M{"_id": itemID},
		bson.M{"$addToSet": bson.M{"dispatched": bson.M{"$each": platforms.Strings()}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatched platforms for item %s: %w", itemID, err)
	}
	return nil
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
