// Package dynamostore is the DynamoDB lock store.
//
// The cart's active slot is an ACTIVE#<cart> item created with
// attribute_not_exists(pk) in the same TransactWriteItems call as the lock and
// its idempotency record; a transition deletes it in the same transaction that
// moves the lock out of active.
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-checkout-lock/internal/aws"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Tables names the three tables the store writes.
type Tables struct {
	Locks       string
	Idempotency string
	Throttle    string
}

// Store encapsulates lock operations against DynamoDB.
type Store struct {
	client         aws.DynamoDBAPI
	tables         Tables
	idempotencyTTL time.Duration // zero keeps records forever
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tables Tables, idempotencyTTL time.Duration) *Store {
	return &Store{
		client:         client,
		tables:         tables,
		idempotencyTTL: idempotencyTTL,
	}
}

// Indexes into the CreateActive transaction, used to read cancellation reasons.
const (
	txIdempotency = 0
	txActive      = 1
	txLatest      = 3
)

func (s *Store) CreateActive(ctx context.Context, l *lock.Lock) error {
	rec := idempotencyItem{
		IdempotencyKey: idempotencyPK(l.CartID, l.IdempotencyKey),
		CartID:         l.CartID,
		ClientKey:      l.IdempotencyKey,
		LockID:         l.ID,
		CreatedAt:      l.CreatedAt,
	}
	if s.idempotencyTTL > 0 {
		rec.TTL = l.CreatedAt.Add(s.idempotencyTTL).Unix()
	}
	recMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	activeMap, err := attributevalue.MarshalMap(pointerItem{PK: prefixActive + l.CartID, LockID: l.ID})
	if err != nil {
		return fmt.Errorf("marshal active pointer: %w", err)
	}
	lockMap, err := attributevalue.MarshalMap(toItem(l))
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	latestMap, err := attributevalue.MarshalMap(pointerItem{PK: prefixLatest + l.CartID, LockID: l.ID})
	if err != nil {
		return fmt.Errorf("marshal latest pointer: %w", err)
	}

	latest := &types.Put{TableName: &s.tables.Locks, Item: latestMap}
	if l.PreviousLockID != nil {
		// resume is only allowed from the chain head
		latest.ConditionExpression = awsString("lock_id = :prev")
		latest.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: *l.PreviousLockID},
		}
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			txIdempotency: {Put: &types.Put{
				TableName:           &s.tables.Idempotency,
				Item:                recMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			}},
			txActive: {Put: &types.Put{
				TableName:           &s.tables.Locks,
				Item:                activeMap,
				ConditionExpression: awsString("attribute_not_exists(pk)"),
			}},
			2: {Put: &types.Put{
				TableName:           &s.tables.Locks,
				Item:                lockMap,
				ConditionExpression: awsString("attribute_not_exists(pk)"),
			}},
			txLatest: {Put: latest},
		},
	})
	if err == nil {
		return nil
	}

	reasons := cancellationReasons(err)
	switch {
	case reasons == nil:
		return fmt.Errorf("transact create lock: %w", err)
	case conditionFailed(reasons, txIdempotency):
		return lock.ErrKeyExists
	case conditionFailed(reasons, txActive):
		return lock.ErrActiveExists
	case conditionFailed(reasons, txLatest):
		return lock.ErrChainForked
	default:
		return fmt.Errorf("transact create lock: %w", err)
	}
}

func (s *Store) Get(ctx context.Context, id string) (*lock.Lock, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Locks,
		Key:            pk(prefixLock + id),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, lock.ErrNotFound
	}
	var it lockItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal lock: %w", err)
	}
	return it.toLock(), nil
}

func (s *Store) byPointer(ctx context.Context, key string) (*lock.Lock, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tables.Locks,
		Key:            pk(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, lock.ErrNotFound
	}
	var p pointerItem
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pointer: %w", err)
	}
	return s.Get(ctx, p.LockID)
}

func (s *Store) ActiveByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return s.byPointer(ctx, prefixActive+cartID)
}

func (s *Store) LatestByCart(ctx context.Context, cartID string) (*lock.Lock, error) {
	return s.byPointer(ctx, prefixLatest+cartID)
}

func (s *Store) Idempotency(ctx context.Context, cartID, key string) (*lock.IdempotencyRecord, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Idempotency,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: idempotencyPK(cartID, key)},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, lock.ErrNotFound
	}
	var rec idempotencyItem
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return rec.toRecord(), nil
}

// Extend never moves expires_at backwards: when the stored lease is already
// later than expiresAt only the phase is updated.
func (s *Store) Extend(ctx context.Context, id string, expiresAt time.Time, phase string, now time.Time) (*lock.Lock, error) {
	nowAV, err := attributevalue.Marshal(now)
	if err != nil {
		return nil, err
	}
	values := map[string]types.AttributeValue{
		":active": &types.AttributeValueMemberS{Value: string(lock.StateActive)},
		":now":    numberAV(millis(now)),
		":exp":    numberAV(millis(expiresAt)),
		":ua":     nowAV,
	}
	update := "SET expires_at = :exp, updated_at = :ua"
	if phase != "" {
		update += ", phase = :phase"
		values[":phase"] = &types.AttributeValueMemberS{Value: phase}
	}

	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tables.Locks,
		Key:                       pk(prefixLock + id),
		UpdateExpression:          awsString(update),
		ConditionExpression:       awsString("#st = :active AND expires_at > :now AND expires_at <= :exp"),
		ExpressionAttributeNames:  map[string]string{"#st": "state"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err == nil {
		return decodeLock(out.Attributes)
	}
	if !isConditionalCheckFailed(err) {
		return nil, fmt.Errorf("update item (extend): %w", err)
	}

	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if cur.State != lock.StateActive || !cur.ExpiresAt.After(now) {
		return nil, lock.ErrStateMismatch
	}

	// lease already runs past expiresAt
	delete(values, ":exp")
	update = "SET updated_at = :ua"
	if phase != "" {
		update += ", phase = :phase"
	}
	out, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tables.Locks,
		Key:                       pk(prefixLock + id),
		UpdateExpression:          awsString(update),
		ConditionExpression:       awsString("#st = :active AND expires_at > :now"),
		ExpressionAttributeNames:  map[string]string{"#st": "state"},
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionalCheckFailed(err) {
		return nil, lock.ErrStateMismatch
	}
	if err != nil {
		return nil, fmt.Errorf("update item (extend): %w", err)
	}
	return decodeLock(out.Attributes)
}

func (s *Store) Transition(ctx context.Context, id string, t lock.Transition) (*lock.Lock, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != lock.StateActive {
		return nil, lock.ErrStateMismatch
	}

	at := t.At.UTC()
	next := *cur
	next.State = t.To
	next.UpdatedAt = at
	switch t.To {
	case lock.StateCompleted:
		next.CompletedAt = &at
		if t.OrderID != "" {
			orderID := t.OrderID
			next.OrderID = &orderID
		}
	case lock.StateFailed:
		next.FailedAt = &at
		reason := t.Reason
		next.FailureReason = &reason
	}
	if len(t.Metadata) > 0 {
		merged := make(map[string]string, len(cur.Metadata)+len(t.Metadata))
		for k, v := range cur.Metadata {
			merged[k] = v
		}
		for k, v := range t.Metadata {
			merged[k] = v
		}
		next.Metadata = merged
	}

	atAV, err := attributevalue.Marshal(at)
	if err != nil {
		return nil, err
	}
	lockUpdate := "SET #st = :to, updated_at = :at"
	lockValues := map[string]types.AttributeValue{
		":active": &types.AttributeValueMemberS{Value: string(lock.StateActive)},
		":to":     &types.AttributeValueMemberS{Value: string(t.To)},
		":at":     atAV,
	}
	switch t.To {
	case lock.StateCompleted:
		lockUpdate += ", completed_at = :at"
		if t.OrderID != "" {
			lockUpdate += ", order_id = :oid"
			lockValues[":oid"] = &types.AttributeValueMemberS{Value: t.OrderID}
		}
	case lock.StateFailed:
		lockUpdate += ", failed_at = :at, failure_reason = :reason"
		lockValues[":reason"] = &types.AttributeValueMemberS{Value: t.Reason}
	}
	if len(t.Metadata) > 0 {
		md, err := attributevalue.Marshal(next.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		lockUpdate += ", metadata = :md"
		lockValues[":md"] = md
	}
	condition := "#st = :active"
	if !t.ExpiredBefore.IsZero() {
		condition += " AND expires_at <= :before"
		lockValues[":before"] = numberAV(millis(t.ExpiredBefore))
	}

	recUpdate := "SET outcome_state = :to, resolved_at = :at"
	recValues := map[string]types.AttributeValue{
		":to": &types.AttributeValueMemberS{Value: string(t.To)},
		":at": atAV,
	}
	if t.OrderID != "" {
		recUpdate += ", order_id = :oid"
		recValues[":oid"] = &types.AttributeValueMemberS{Value: t.OrderID}
	}
	if t.Reason != "" {
		recUpdate += ", failure_reason = :reason"
		recValues[":reason"] = &types.AttributeValueMemberS{Value: t.Reason}
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                 &s.tables.Locks,
				Key:                       pk(prefixLock + cur.ID),
				UpdateExpression:          awsString(lockUpdate),
				ConditionExpression:       awsString(condition),
				ExpressionAttributeNames:  map[string]string{"#st": "state"},
				ExpressionAttributeValues: lockValues,
			}},
			{Delete: &types.Delete{
				TableName:           &s.tables.Locks,
				Key:                 pk(prefixActive + cur.CartID),
				ConditionExpression: awsString("lock_id = :id"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":id": &types.AttributeValueMemberS{Value: cur.ID},
				},
			}},
			{Update: &types.Update{
				TableName: &s.tables.Idempotency,
				Key: map[string]types.AttributeValue{
					"idempotency_key": &types.AttributeValueMemberS{Value: idempotencyPK(cur.CartID, cur.IdempotencyKey)},
				},
				UpdateExpression:          awsString(recUpdate),
				ExpressionAttributeValues: recValues,
			}},
		},
	})
	if err == nil {
		return &next, nil
	}
	if cancellationReasons(err) != nil {
		return nil, lock.ErrStateMismatch
	}
	return nil, fmt.Errorf("transact transition: %w", err)
}

func (s *Store) ListExpired(ctx context.Context, now time.Time, limit int) ([]*lock.Lock, error) {
	var (
		out   []*lock.Lock
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                &s.tables.Locks,
			FilterExpression:         awsString("begins_with(pk, :prefix) AND #st = :active AND expires_at <= :now"),
			ExpressionAttributeNames: map[string]string{"#st": "state"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": &types.AttributeValueMemberS{Value: prefixLock},
				":active": &types.AttributeValueMemberS{Value: string(lock.StateActive)},
				":now":    numberAV(millis(now)),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan expired locks: %w", err)
		}
		for _, item := range page.Items {
			l, err := decodeLock(item)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func decodeLock(item map[string]types.AttributeValue) (*lock.Lock, error) {
	var it lockItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return nil, fmt.Errorf("unmarshal lock: %w", err)
	}
	return it.toLock(), nil
}

func cancellationReasons(err error) []types.CancellationReason {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		if tce.CancellationReasons == nil {
			return []types.CancellationReason{}
		}
		return tce.CancellationReasons
	}
	return nil
}

func conditionFailed(reasons []types.CancellationReason, i int) bool {
	return i < len(reasons) && reasons[i].Code != nil && *reasons[i].Code == "ConditionalCheckFailed"
}

func isConditionalCheckFailed(err error) bool {
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func pk(v string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: v}}
}

func numberAV(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
