// Package chatlog appends conversation events to a DynamoDB table. Appends
// are fire-and-forget telemetry: with MuteErrors on (the default) a failed
// write is reported to the logger and swallowed so it never aborts the
// request path that produced it.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"

	"botstore/internal/codec"
)

// dynamodbAPI is the minimal DynamoDB interface required by Storage.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Storage wraps the chat-log table.
type Storage struct {
	api       dynamodbAPI
	tableName string
	log       *slog.Logger

	// MuteErrors controls the swallow-or-propagate policy for failed
	// appends. On by default.
	MuteErrors bool
}

// New creates a chat-log Storage. A nil logger falls back to slog.Default.
func New(api dynamodbAPI, tableName string, log *slog.Logger) (*Storage, error) {
	if api == nil {
		return nil, errors.New("chatlog: api must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("chatlog: table name must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Storage{
		api:        api,
		tableName:  tableName,
		log:        log,
		MuteErrors: true,
	}, nil
}

// Log appends one request/responses event for a user.
func (s *Storage) Log(ctx context.Context, userID string, responses []map[string]any, request map[string]any) error {
	return s.put(ctx, event(userID, responses, request, nil))
}

// Error appends an error event alongside the request that caused it.
func (s *Storage) Error(ctx context.Context, cause error, userID string, responses []map[string]any, request map[string]any) error {
	return s.put(ctx, event(userID, responses, request, cause))
}

func event(userID string, responses []map[string]any, request map[string]any, cause error) map[string]any {
	if responses == nil {
		responses = []map[string]any{}
	}
	if request == nil {
		request = map[string]any{}
	}

	at := time.Now()
	switch ts := request["timestamp"].(type) {
	case int64:
		if ts > 0 {
			at = time.UnixMilli(ts)
		}
	case float64:
		// JSON-decoded requests carry numbers as float64.
		if ts > 0 {
			at = time.UnixMilli(int64(ts))
		}
	}

	entry := map[string]any{
		"id":        uuid.NewString(),
		"userId":    userID,
		"time":      codec.FormatTime(at),
		"request":   request,
		"responses": responses,
	}
	if cause != nil {
		entry["err"] = cause.Error()
	}
	return entry
}

func (s *Storage) put(ctx context.Context, entry map[string]any) error {
	item, err := attributevalue.MarshalMap(entry)
	if err == nil {
		_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.tableName),
			Item:      item,
		})
	}
	if err == nil {
		return nil
	}

	s.log.Error("failed to store chat log", "err", err, "userId", entry["userId"])
	if s.MuteErrors {
		return nil
	}
	return fmt.Errorf("chatlog: store event: %w", err)
}
