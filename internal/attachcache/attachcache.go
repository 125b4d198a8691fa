// Package attachcache maps attachment URLs to their uploaded attachment
// ids so the same file is never uploaded twice.
package attachcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamodbAPI is the minimal DynamoDB interface required by Cache.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Cache wraps the attachment-cache table, keyed by url.
type Cache struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Cache over the given table.
func New(api dynamodbAPI, tableName string) (*Cache, error) {
	if api == nil {
		return nil, errors.New("attachcache: api must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("attachcache: table name must not be empty")
	}
	return &Cache{api: api, tableName: tableName}, nil
}

// FindAttachmentByURL returns the cached attachment id for url, 0 when the
// url has not been seen.
func (c *Cache) FindAttachmentByURL(ctx context.Context, url string) (int64, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"url": &types.AttributeValueMemberS{Value: url},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("attachcache: FindAttachmentByURL get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	n, ok := out.Item["attachmentId"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attachcache: FindAttachmentByURL parse: %w", err)
	}
	return id, nil
}

// SaveAttachmentID caches the attachment id for url.
func (c *Cache) SaveAttachmentID(ctx context.Context, url string, attachmentID int64) error {
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"url":          &types.AttributeValueMemberS{Value: url},
			"attachmentId": &types.AttributeValueMemberN{Value: strconv.FormatInt(attachmentID, 10)},
		},
	}); err != nil {
		return fmt.Errorf("attachcache: SaveAttachmentID put: %w", err)
	}
	return nil
}
