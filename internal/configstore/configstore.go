// Package configstore holds the bot configuration blob in a DynamoDB table
// under a single fixed key.
package configstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const configID = "config"

// dynamodbAPI is the minimal DynamoDB interface required by Storage.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Storage wraps the bot-config table.
type Storage struct {
	api       dynamodbAPI
	tableName string
}

// New creates a config Storage over the given table.
func New(api dynamodbAPI, tableName string) (*Storage, error) {
	if api == nil {
		return nil, errors.New("configstore: api must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("configstore: table name must not be empty")
	}
	return &Storage{api: api, tableName: tableName}, nil
}

func configKey() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"k": &types.AttributeValueMemberS{Value: configID},
	}
}

// GetConfig returns the stored configuration, nil when none is stored.
func (s *Storage) GetConfig(ctx context.Context) (map[string]any, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       configKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("configstore: GetConfig get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	var cfg map[string]any
	if err := attributevalue.UnmarshalMap(out.Item, &cfg); err != nil {
		return nil, fmt.Errorf("configstore: GetConfig unmarshal: %w", err)
	}
	return cfg, nil
}

// GetConfigTimestamp reads only the timestamp attribute, 0 when there is no
// stored configuration.
func (s *Storage) GetConfigTimestamp(ctx context.Context) (int64, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      configKey(),
		ExpressionAttributeNames: map[string]string{"#timestamp": "timestamp"},
		ProjectionExpression:     aws.String("#timestamp"),
	})
	if err != nil {
		return 0, fmt.Errorf("configstore: GetConfigTimestamp get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	n, ok := out.Item["timestamp"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	ts, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("configstore: GetConfigTimestamp parse: %w", err)
	}
	return ts, nil
}

// UpdateConfig stores newConfig under the fixed key, stamped with the
// current epoch-millisecond timestamp. The stored copy (with the stamp and
// key attached) is returned; newConfig itself is not mutated.
func (s *Storage) UpdateConfig(ctx context.Context, newConfig map[string]any) (map[string]any, error) {
	stored := make(map[string]any, len(newConfig)+2)
	for k, v := range newConfig {
		stored[k] = v
	}
	stored["k"] = configID
	stored["timestamp"] = time.Now().UnixMilli()

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return nil, fmt.Errorf("configstore: UpdateConfig marshal: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("configstore: UpdateConfig put: %w", err)
	}
	return stored, nil
}

// InvalidateConfig deletes the stored configuration.
func (s *Storage) InvalidateConfig(ctx context.Context) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       configKey(),
	}); err != nil {
		return fmt.Errorf("configstore: InvalidateConfig delete: %w", err)
	}
	return nil
}
