// Package tokenstore issues durable conversation tokens in a DynamoDB table
// keyed by senderId (HASH) and pageId (RANGE), with a global secondary
// index on the token value for reverse lookups.
//
// Creation is a create-or-fetch protocol: racing creators for the same
// subject resolve through a conditional insert, and a loser transparently
// becomes a reader of the winner's token instead of failing.
package tokenstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"botstore/internal/domain"
	"botstore/internal/observe"
)

const (
	defaultIndexName = "token"
	tokenEntropy     = 255
)

// ErrTokenCreationFailed is returned when the conditional insert lost to a
// concurrent writer but the follow-up read still found nothing. A transient
// backing-store anomaly, surfaced to the caller, never retried internally.
var ErrTokenCreationFailed = errors.New("tokenstore: token creation failed")

// Factory mints a new opaque token value.
type Factory func(ctx context.Context) (string, error)

// DefaultFactory returns a high-entropy random token.
func DefaultFactory(_ context.Context) (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tokenstore: read random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store wraps the token table.
type Store struct {
	api       dynamodbAPI
	tableName string
	indexName string
	obs       observe.Observer
}

// Option configures a Store.
type Option func(*Store)

// WithObserver attaches a monitoring observer.
func WithObserver(obs observe.Observer) Option {
	return func(s *Store) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithIndexName overrides the reverse-lookup index name.
func WithIndexName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.indexName = name
		}
	}
}

// New creates a token Store over the given table.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("tokenstore: api must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("tokenstore: table name must not be empty")
	}
	s := &Store{
		api:       api,
		tableName: tableName,
		indexName: defaultIndexName,
		obs:       observe.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func tokenKey(senderID, pageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"senderId": &types.AttributeValueMemberS{Value: senderID},
		"pageId":   &types.AttributeValueMemberS{Value: pageID},
	}
}

// GetOrCreateToken returns the subject's token, minting one through factory
// on first use. Under concurrent callers exactly one factory output is
// persisted and every caller gets that value: a losing conditional insert
// re-reads the winner. A nil factory uses DefaultFactory.
func (s *Store) GetOrCreateToken(ctx context.Context, senderID, pageID string, factory Factory) (*domain.Token, error) {
	if senderID == "" || pageID == "" {
		return nil, errors.New("tokenstore: GetOrCreateToken: senderId and pageId are required")
	}
	if factory == nil {
		factory = DefaultFactory
	}

	token, err := s.getToken(ctx, senderID, pageID)
	if err != nil {
		return nil, err
	}
	if token != nil {
		return token, nil
	}
	return s.createAndGetToken(ctx, senderID, pageID, factory)
}

// FindByToken resolves a token value back to its owning subject via the
// token index. An empty token is a deliberate fast path returning
// (nil, nil), never an error; an unknown token also returns (nil, nil).
func (s *Store) FindByToken(ctx context.Context, token string) (*domain.Token, error) {
	if token == "" {
		return nil, nil
	}

	out, err := s.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.tableName),
		IndexName:                aws.String(s.indexName),
		KeyConditionExpression:   aws.String("#token = :token"),
		ExpressionAttributeNames: map[string]string{"#token": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: FindByToken query: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	return tokenFromItem(out.Items[0])
}

func (s *Store) getToken(ctx context.Context, senderID, pageID string) (*domain.Token, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       tokenKey(senderID, pageID),
	})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: get token: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return tokenFromItem(out.Item)
}

func (s *Store) createAndGetToken(ctx context.Context, senderID, pageID string, factory Factory) (*domain.Token, error) {
	value, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: token factory: %w", err)
	}

	token := &domain.Token{SenderID: senderID, PageID: pageID, Token: value}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"senderId": &types.AttributeValueMemberS{Value: senderID},
			"pageId":   &types.AttributeValueMemberS{Value: pageID},
			"token":    &types.AttributeValueMemberS{Value: value},
		},
		ConditionExpression: aws.String("attribute_not_exists(senderId)"),
	})
	if err == nil {
		s.obs.TokenIssued(pageID)
		return token, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &conditionFailed) {
		return nil, fmt.Errorf("tokenstore: create token: %w", err)
	}

	// A concurrent winner raced ahead; become its reader.
	existing, err := s.getToken(ctx, senderID, pageID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrTokenCreationFailed
	}
	return existing, nil
}

func tokenFromItem(item map[string]types.AttributeValue) (*domain.Token, error) {
	token := &domain.Token{}
	if v, ok := item["senderId"].(*types.AttributeValueMemberS); ok {
		token.SenderID = v.Value
	}
	if v, ok := item["pageId"].(*types.AttributeValueMemberS); ok {
		token.PageID = v.Value
	}
	v, ok := item["token"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("tokenstore: record is missing its token attribute")
	}
	token.Token = v.Value
	return token, nil
}
