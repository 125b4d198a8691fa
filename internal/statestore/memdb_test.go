package statestore

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// erroringDynamo fails every call with the same error, standing in for a
// backing-store transport failure.
type erroringDynamo struct {
	err error
}

func (e *erroringDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return nil, e.err
}

func (e *erroringDynamo) PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	return nil, e.err
}

func (e *erroringDynamo) UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return nil, e.err
}

func (e *erroringDynamo) Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return nil, e.err
}

// memoryDynamo is a stateful fake covering exactly the DynamoDB surface the
// store uses: the lease conditional update, unconditional puts, consistent
// point gets and descending lastInteraction index queries with exclusive
// resume. Conditions are evaluated atomically under a mutex, which is what
// makes the concurrency tests in this package meaningful.
type memoryDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	lastQueryIn *dynamodb.QueryInput
}

func newMemoryDynamo() *memoryDynamo {
	return &memoryDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) string {
	pageID, _ := item["pageId"].(*types.AttributeValueMemberS)
	senderID, _ := item["senderId"].(*types.AttributeValueMemberS)
	return pageID.Value + "|" + senderID.Value
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (m *memoryDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (m *memoryDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemKey(in.Item)] = cloneItem(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements only the lease expression:
// SET #lock = :now with attribute_not_exists(senderId) OR #lock < :lockTime.
func (m *memoryDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey(in.Key)
	item, exists := m.items[key]
	if exists {
		lockAttr, _ := item["lock"].(*types.AttributeValueMemberN)
		lock, _ := strconv.ParseInt(lockAttr.Value, 10, 64)
		lockTimeAttr := in.ExpressionAttributeValues[":lockTime"].(*types.AttributeValueMemberN)
		lockTime, _ := strconv.ParseInt(lockTimeAttr.Value, 10, 64)
		if lock >= lockTime {
			return nil, &types.ConditionalCheckFailedException{}
		}
	} else {
		item = cloneItem(in.Key)
	}

	item = cloneItem(item)
	item["lock"] = in.ExpressionAttributeValues[":now"]
	m.items[key] = item
	return &dynamodb.UpdateItemOutput{Attributes: cloneItem(item)}, nil
}

// Query simulates the lastInteraction local secondary index: scope by
// pageId, order by (lastInteraction, senderId), descending scan with
// exclusive resume and a row limit. Items without a lastInteraction
// attribute are not in the index.
func (m *memoryDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQueryIn = in

	pageID := in.ExpressionAttributeValues[":pageId"].(*types.AttributeValueMemberS).Value

	type row struct {
		ordering string
		sender   string
		item     map[string]types.AttributeValue
	}
	var rows []row
	for _, item := range m.items {
		p, _ := item["pageId"].(*types.AttributeValueMemberS)
		if p.Value != pageID {
			continue
		}
		ordering, ok := item["lastInteraction"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		sender := item["senderId"].(*types.AttributeValueMemberS)
		rows = append(rows, row{ordering: ordering.Value, sender: sender.Value, item: item})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ordering != rows[j].ordering {
			return rows[i].ordering > rows[j].ordering
		}
		return rows[i].sender > rows[j].sender
	})

	if in.ExclusiveStartKey != nil {
		startOrdering := in.ExclusiveStartKey["lastInteraction"].(*types.AttributeValueMemberS).Value
		startSender := in.ExclusiveStartKey["senderId"].(*types.AttributeValueMemberS).Value
		for len(rows) > 0 {
			r := rows[0]
			after := r.ordering < startOrdering || (r.ordering == startOrdering && r.sender < startSender)
			if after {
				break
			}
			rows = rows[1:]
		}
	}

	limit := len(rows)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}

	out := &dynamodb.QueryOutput{}
	for _, r := range rows[:limit] {
		out.Items = append(out.Items, cloneItem(r.item))
	}
	return out, nil
}
