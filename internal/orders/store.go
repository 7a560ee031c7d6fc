// Package orders is the order-creation phase of the checkout pipeline.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-lock/internal/aws"
	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
)

var (
	// ErrStatusMismatch is returned when a conditional status update fails.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrOrderConflict means the derived order id is taken by another lock.
	ErrOrderConflict = errors.New("order id belongs to another checkout")
)

var orderNamespace = uuid.MustParse("6f1c9a52-3a57-4c1e-9d0e-6a8f4b7f2c11")

// OrderID derives the order id from the lock id, so every retry of the same
// checkout attempt targets the same order row.
func OrderID(lockID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(lockID)).String()
}

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// FromJob builds the PENDING order for a pipeline job.
func FromJob(job *pipeline.Job, now time.Time) Order {
	o := Order{
		OrderID:   OrderID(job.Lock.ID),
		LockID:    job.Lock.ID,
		CartID:    job.Lock.CartID,
		SessionID: job.Lock.SessionID,
		Status:    StatusPending,
		Currency:  job.Cart.Currency,
		Amount:    job.Cart.Subtotal().StringFixed(2),
		Metadata:  job.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if job.Lock.UserID != nil {
		o.UserID = *job.Lock.UserID
	}
	for _, l := range job.Cart.Lines {
		o.Items = append(o.Items, Item{SKU: l.SKU, Quantity: l.Quantity, UnitPrice: l.UnitPrice.StringFixed(2)})
	}
	return o
}

// CreateOrder implements pipeline.OrderCreator with a conditional put on
// order_id. A retry for the same lock finds its own order and returns it.
func (s *Store) CreateOrder(ctx context.Context, job *pipeline.Job) (string, error) {
	order := FromJob(job, s.nowFunc().UTC())
	item, err := attributevalue.MarshalMap(order)
	if err != nil {
		return "", fmt.Errorf("marshal order item: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(order_id)"),
	})
	if err == nil {
		return order.OrderID, nil
	}
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return "", fmt.Errorf("put order: %w", err)
	}

	existing, err := s.Get(ctx, order.OrderID)
	if err != nil {
		return "", err
	}
	if existing == nil || existing.LockID != order.LockID {
		return "", ErrOrderConflict
	}
	return existing.OrderID, nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s *Store) Confirm(ctx context.Context, orderID string) error {
	return s.UpdateStatus(ctx, orderID, StatusPending, StatusConfirmed)
}

func (s *Store) Void(ctx context.Context, orderID string) error {
	return s.UpdateStatus(ctx, orderID, StatusPending, StatusVoided)
}

// UpdateStatus conditionally updates the order status from expected -> newStatus.
// Returns nil on success, ErrStatusMismatch if condition failed.
func (s *Store) UpdateStatus(ctx context.Context, orderID, expectedStatus, newStatus string) error {
	now := s.nowFunc().UTC()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: expectedStatus},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
