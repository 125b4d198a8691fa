// Package statestore persists per-conversation state in a DynamoDB table
// keyed by pageId (HASH) and senderId (RANGE), with a local secondary index
// on lastInteraction for recency listings.
//
// Concurrent access to one record is serialized by a lease lock stored in
// the record itself: acquisition is a single conditional update, the lease
// self-expires after its timeout, and saving the state releases it. There
// is no unlock call and no in-process locking; exclusion comes entirely
// from DynamoDB's per-item conditional-write atomicity.
package statestore

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

	"botstore/internal/codec"
	"botstore/internal/domain"
	"botstore/internal/observe"
)

const defaultIndexName = "lastInteraction"

// ErrLockConflict is returned by GetOrCreateAndLock when another holder's
// lease has not yet expired. Recoverable: retry after a backoff or abandon
// the turn. Never retried internally.
var ErrLockConflict = errors.New("statestore: conversation locked by another holder")

// dynamodbAPI is the minimal DynamoDB interface required by Store.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store wraps the conversation-state table.
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

// WithIndexName overrides the lastInteraction index name.
func WithIndexName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.indexName = name
		}
	}
}

// New creates a state Store over the given table.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errors.New("statestore: api must not be nil")
	}
	if tableName == "" {
		return nil, errors.New("statestore: table name must not be empty")
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

func stateKey(senderID, pageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pageId":   &types.AttributeValueMemberS{Value: pageID},
		"senderId": &types.AttributeValueMemberS{Value: senderID},
	}
}

// GetOrCreateAndLock acquires the conversation lease in a single
// conditional update: it succeeds when the record does not exist, or when
// the stored lock is older than timeout. On success the full record is
// returned, with defaultState substituted when the record was just created.
// A losing race returns ErrLockConflict. This is the only creation path.
//
// The comparison is strict, so a lease taken with timeout 0 is never seen
// as expired within the same millisecond. Callers must pick a timeout long
// enough to cover one processing turn.
func (s *Store) GetOrCreateAndLock(ctx context.Context, senderID, pageID string, defaultState map[string]any, timeout time.Duration) (*domain.State, error) {
	if senderID == "" || pageID == "" {
		return nil, errors.New("statestore: GetOrCreateAndLock: senderId and pageId are required")
	}

	now := time.Now().UnixMilli()
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      stateKey(senderID, pageID),
		ExpressionAttributeNames: map[string]string{"#lock": "lock"},
		UpdateExpression:         aws.String("SET #lock = :now"),
		ConditionExpression:      aws.String("attribute_not_exists(senderId) OR #lock < :lockTime"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
			":lockTime": &types.AttributeValueMemberN{Value: strconv.FormatInt(now-timeout.Milliseconds(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.obs.LockConflict(pageID)
			return nil, ErrLockConflict
		}
		return nil, fmt.Errorf("statestore: GetOrCreateAndLock update: %w", err)
	}

	_, hasState := out.Attributes["state"]
	created := !hasState
	state, err := stateFromItem(out.Attributes)
	if err != nil {
		return nil, fmt.Errorf("statestore: GetOrCreateAndLock decode: %w", err)
	}
	if created {
		state.StateData = defaultState
		if state.StateData == nil {
			state.StateData = map[string]any{}
		}
	}
	s.obs.LeaseAcquired(pageID, created)
	return state, nil
}

// GetState is a point lookup with no locking side effect. Absence returns
// (nil, nil). A stored record whose state attribute is missing or malformed
// comes back with an empty map, never a nil one.
func (s *Store) GetState(ctx context.Context, senderID, pageID string) (*domain.State, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            stateKey(senderID, pageID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: GetState get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	state, err := stateFromItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("statestore: GetState decode: %w", err)
	}
	return state, nil
}

// SaveState releases the lease by writing the record with lock = 0. The
// overwrite is unconditional, last writer wins; callers are expected to
// hold the lease. Returns a new released record, the input is not mutated.
func (s *Store) SaveState(ctx context.Context, state *domain.State) (*domain.State, error) {
	if state == nil {
		return nil, errors.New("statestore: SaveState: state must not be nil")
	}
	if state.SenderID == "" || state.PageID == "" {
		return nil, errors.New("statestore: SaveState: senderId and pageId are required")
	}

	released := *state
	released.Lock = 0
	if released.StateData == nil {
		released.StateData = map[string]any{}
	}

	item, err := itemFromState(&released)
	if err != nil {
		return nil, fmt.Errorf("statestore: SaveState encode: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("statestore: SaveState put: %w", err)
	}
	s.obs.StateSaved(released.PageID)
	return &released, nil
}

func itemFromState(state *domain.State) (map[string]types.AttributeValue, error) {
	encoded := codec.Encode(state.StateData)
	stateAttr, err := attributevalue.Marshal(encoded)
	if err != nil {
		return nil, err
	}

	item := map[string]types.AttributeValue{
		"pageId":   &types.AttributeValueMemberS{Value: state.PageID},
		"senderId": &types.AttributeValueMemberS{Value: state.SenderID},
		"lock":     &types.AttributeValueMemberN{Value: strconv.FormatInt(state.Lock, 10)},
		"state":    stateAttr,
	}
	if !state.LastInteraction.IsZero() {
		item["lastInteraction"] = &types.AttributeValueMemberS{Value: codec.FormatTime(state.LastInteraction)}
	}
	return item, nil
}

func stateFromItem(item map[string]types.AttributeValue) (*domain.State, error) {
	state := &domain.State{StateData: map[string]any{}}

	if v, ok := item["senderId"].(*types.AttributeValueMemberS); ok {
		state.SenderID = v.Value
	}
	if v, ok := item["pageId"].(*types.AttributeValueMemberS); ok {
		state.PageID = v.Value
	}
	if v, ok := item["lock"].(*types.AttributeValueMemberN); ok {
		lock, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lock: %w", err)
		}
		state.Lock = lock
	}
	if v, ok := item["lastInteraction"].(*types.AttributeValueMemberS); ok {
		if t, err := codec.ParseTime(v.Value); err == nil {
			state.LastInteraction = t
		}
	}
	if v, ok := item["state"].(*types.AttributeValueMemberM); ok {
		var tree map[string]any
		if err := attributevalue.Unmarshal(v, &tree); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		if decoded, ok := codec.Decode(tree).(map[string]any); ok {
			state.StateData = decoded
		}
	}
	return state, nil
}
