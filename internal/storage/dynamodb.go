package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/ncol/publisher-service/internal/config"
	"github.com/ncol/publisher-service/internal/models"
)

// dynamoRecord is the item layout: requested flags as a map of BOOL,
// dispatched platforms as a string set so ADD gives us a union merge.
type dynamoRecord struct {
	ItemID     string          `dynamodbav:"item_id"`
	Requested  map[string]bool `dynamodbav:"requested,omitempty"`
	Dispatched []string        `dynamodbav:"dispatched,stringset,omitempty"`
}

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client    dynamodbiface.DynamoDBAPI
	tableName string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	storage := newDynamoDBStorage(dynamodb.New(sess), cfg.TableName)

	// Create table if it doesn't exist (for local testing)
	if err := storage.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure table exists: %w", err)
	}

	return storage, nil
}

func newDynamoDBStorage(client dynamodbiface.DynamoDBAPI, tableName string) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:    client,
		tableName: tableName,
	}
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStorage) ensureTable() error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(d.tableName),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("item_id"),
				KeyType:       aws.String("HASH"),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("item_id"),
				AttributeType: aws.String("S"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName),
	})
}

func (d *DynamoDBStorage) key(itemID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"item_id": {S: aws.String(itemID)},
	}
}

func (d *DynamoDBStorage) getRecord(ctx context.Context, itemID string) (*dynamoRecord, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.key(itemID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get publish state for item %s: %w", itemID, err)
	}

	var rec dynamoRecord
	if result.Item == nil {
		return &rec, nil
	}
	if err := dynamodbattribute.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal publish state: %w", err)
	}
	return &rec, nil
}

// GetRequested reads the requested flags of an item
func (d *DynamoDBStorage) GetRequested(ctx context.Context, itemID string) (models.PlatformSet, error) {
	rec, err := d.getRecord(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return models.PlatformSetFromFlags(rec.Requested), nil
}

// SetRequested overwrites the requested flags, one BOOL per known platform
func (d *DynamoDBStorage) SetRequested(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	flags, err := dynamodbattribute.Marshal(platforms.Flags())
	if err != nil {
		return fmt.Errorf("failed to marshal requested platforms: %w", err)
	}

	_, err = d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              d.key(itemID),
		UpdateExpression: aws.String("SET requested = :r"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":r": flags,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store requested platforms for item %s: %w", itemID, err)
	}
	return nil
}

// GetDispatched reads the dispatched platforms of an item
func (d *DynamoDBStorage) GetDispatched(ctx context.Context, itemID string) (models.PlatformSet, error) {
	rec, err := d.getRecord(ctx, itemID)
	if err != nil {
		return nil, err
	}
	return models.ParsePlatformSet(rec.Dispatched), nil
}

// AddDispatched merges platforms into the dispatched string set
func (d *DynamoDBStorage) AddDispatched(ctx context.Context, itemID string, platforms models.PlatformSet) error {
	// string sets cannot be empty
	if platforms.Empty() {
		return nil
	}

	_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.tableName),
		Key:              d.key(itemID),
		UpdateExpression: aws.String("ADD dispatched :d"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":d": {SS: aws.StringSlice(platforms.Strings())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record dispatched platforms for item %s: %w", itemID, err)
	}
	return nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
