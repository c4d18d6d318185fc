package storage

import (
	"context"
	"fmt"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
)

// Storage persists, per content item, the platforms the author requested
// and the platforms that have already been dispatched.
//
// A missing item reads as two empty sets. AddDispatched is a union merge and
// must be idempotent. No transactional guarantee beyond last-write-wins per key.
type Storage interface {
	GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error)
	SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error
	GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error)
	AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "memory", "":
		return NewMemoryStorage(), nil
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "mongodb":
		return NewMongoDBStorage(cfg)
	case "postgresql":
		return NewPostgreSQLStorage(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// LoadState reads both sets for an item
func LoadState(ctx context.Context, s Storage, itemID string) (*models.PostPublishState, error) {
	requested, err := s.GetRequested(ctx, itemID)
	if err != nil {
		return nil, err
	}
	dispatched, err := s.GetDispatched(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return &models.PostPublishState{
		ItemID:     itemID,
		Requested:  requested.Strings(),
		Dispatched: dispatched.Strings(),
	}, nil
}
