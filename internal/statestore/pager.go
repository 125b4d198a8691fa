package statestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"botstore/internal/codec"
	"botstore/internal/domain"
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

// ErrMalformedCursor is returned when a resume cursor was not produced by
// this pager.
var ErrMalformedCursor = errors.New("statestore: malformed cursor")

// cursorPayload is the private resume position: the ordering key and the
// unique key of the last returned row. Callers only ever see its base64
// form and must not construct it by hand.
type cursorPayload struct {
	LastInteraction string `json:"li"`
	SenderID        string `json:"s"`
}

func encodeCursor(lastInteraction, senderID string) string {
	raw, _ := json.Marshal(cursorPayload{LastInteraction: lastInteraction, SenderID: senderID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (cursorPayload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorPayload{}, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	var payload cursorPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return cursorPayload{}, fmt.Errorf("%w: %v", ErrMalformedCursor, err)
	}
	if payload.SenderID == "" || payload.LastInteraction == "" {
		return cursorPayload{}, fmt.Errorf("%w: missing keys", ErrMalformedCursor)
	}
	return payload, nil
}

// ListStates pages conversation summaries for one page scope, newest
// lastInteraction first. A non-positive limit falls back to the default and
// anything above the hard maximum is clamped. It reads limit+1 rows from the
// lastInteraction
// index to detect whether more data follows and hands back an opaque
// cursor only in that case; resuming with the cursor continues strictly
// after the last returned row. Rows with equal lastInteraction come back in
// the index's table-sort-key order, which is deterministic.
//
// When filter.Search names a sender, the index is bypassed entirely in
// favor of a point lookup: a single-row page with no cursor.
func (s *Store) ListStates(ctx context.Context, filter domain.StatesFilter, limit int, cursor string) (*domain.StatesPage, error) {
	if filter.PageID == "" {
		return nil, errors.New("statestore: ListStates: pageId filter is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	if filter.Search != "" {
		return s.searchPage(ctx, filter)
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(s.indexName),
		KeyConditionExpression: aws.String("pageId = :pageId"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pageId": &types.AttributeValueMemberS{Value: filter.PageID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit + 1)),
	}
	if cursor != "" {
		payload, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			"pageId":          &types.AttributeValueMemberS{Value: filter.PageID},
			"senderId":        &types.AttributeValueMemberS{Value: payload.SenderID},
			"lastInteraction": &types.AttributeValueMemberS{Value: payload.LastInteraction},
		}
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("statestore: ListStates query: %w", err)
	}

	page := &domain.StatesPage{Data: make([]domain.StateSummary, 0, limit)}
	var lastOrderingKey string
	for i, item := range out.Items {
		if i == limit {
			// Look-ahead row exists, so there is more data after this page.
			page.Cursor = encodeCursor(lastOrderingKey, page.Data[limit-1].SenderID)
			break
		}
		summary, orderingKey, err := summaryFromItem(item, filter.PageID)
		if err != nil {
			return nil, fmt.Errorf("statestore: ListStates decode: %w", err)
		}
		page.Data = append(page.Data, summary)
		lastOrderingKey = orderingKey
	}
	s.obs.PageServed(filter.PageID, len(page.Data))
	return page, nil
}

func (s *Store) searchPage(ctx context.Context, filter domain.StatesFilter) (*domain.StatesPage, error) {
	state, err := s.GetState(ctx, filter.Search, filter.PageID)
	if err != nil {
		return nil, err
	}
	page := &domain.StatesPage{Data: []domain.StateSummary{}}
	if state != nil {
		page.Data = append(page.Data, domain.StateSummary{
			SenderID:        state.SenderID,
			PageID:          state.PageID,
			LastInteraction: state.LastInteraction,
		})
	}
	s.obs.PageServed(filter.PageID, len(page.Data))
	return page, nil
}

func summaryFromItem(item map[string]types.AttributeValue, pageID string) (domain.StateSummary, string, error) {
	sender, ok := item["senderId"].(*types.AttributeValueMemberS)
	if !ok {
		return domain.StateSummary{}, "", errors.New("missing senderId")
	}
	ordering, ok := item["lastInteraction"].(*types.AttributeValueMemberS)
	if !ok {
		return domain.StateSummary{}, "", errors.New("missing lastInteraction")
	}

	summary := domain.StateSummary{SenderID: sender.Value, PageID: pageID}
	if t, err := codec.ParseTime(ordering.Value); err == nil {
		summary.LastInteraction = t
	}
	return summary, ordering.Value, nil
}
