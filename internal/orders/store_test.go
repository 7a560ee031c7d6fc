package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
)

// mockDynamo is a simple mock that supports PutItem, GetItem and UpdateItem on
// a single table keyed by order_id.
type mockDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	puts  int
}

func newMockDynamo() *mockDynamo {
	return &mockDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func orderKey(item map[string]types.AttributeValue) (string, error) {
	v, ok := item["order_id"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("no order_id attribute")
	}
	return v.Value, nil
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := orderKey(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(order_id)" {
		if _, exists := m.items[pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.puts++
	m.items[pk] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := orderKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.items[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := orderKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, exists := m.items[pk]
	if !exists {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == "#s = :expected" {
		curr, ok := item["status"].(*types.AttributeValueMemberS)
		expected := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS).Value
		if !ok || curr.Value != expected {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	item["status"] = params.ExpressionAttributeValues[":new"]
	item["updated_at"] = params.ExpressionAttributeValues[":ua"]
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not used by the orders store")
}

func (m *mockDynamo) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	return nil, errors.New("not used by the orders store")
}

func testJob(lockID string) *pipeline.Job {
	uid := "user-1"
	return &pipeline.Job{
		Lock: &lock.Lock{ID: lockID, CartID: "cart-1", SessionID: "sess-a", UserID: &uid},
		Cart: &cart.Cart{
			ID:       "cart-1",
			Currency: "EUR",
			Lines: []cart.Line{
				{SKU: "sku-1", Quantity: 2, UnitPrice: decimal.RequireFromString("12.5")},
				{SKU: "sku-2", Quantity: 1, UnitPrice: decimal.RequireFromString("0.99")},
			},
		},
		Metadata: map[string]string{"payment_ref": "pay-1"},
	}
}

func TestCreateOrderIsIdempotentPerLock(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	first, err := store.CreateOrder(ctx, testJob("lock-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first != OrderID("lock-1") {
		t.Fatalf("order id %s not derived from lock id", first)
	}
	second, err := store.CreateOrder(ctx, testJob("lock-1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second != first || mock.puts != 1 {
		t.Fatalf("retry created another order: %s puts=%d", second, mock.puts)
	}

	var got Order
	if err := attributevalue.UnmarshalMap(mock.items[first], &got); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	if got.Amount != "25.99" || got.Currency != "EUR" || got.UserID != "user-1" || len(got.Items) != 2 {
		t.Fatalf("unexpected order %+v", got)
	}
	if got.Status != StatusPending || got.Metadata["payment_ref"] != "pay-1" {
		t.Fatalf("unexpected status or metadata %+v", got)
	}

	other, err := store.CreateOrder(ctx, testJob("lock-2"))
	if err != nil || other == first {
		t.Fatalf("distinct lock must get distinct order: %s %v", other, err)
	}
}

func TestCreateOrderConflict(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	ctx := context.Background()

	squatter, _ := attributevalue.MarshalMap(Order{OrderID: OrderID("lock-1"), LockID: "someone-else", Status: StatusPending})
	mock.items[OrderID("lock-1")] = squatter

	if _, err := store.CreateOrder(ctx, testJob("lock-1")); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestSettleOnce(t *testing.T) {
	mock := newMockDynamo()
	store := NewStore(mock, "orders")
	store.nowFunc = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	id, err := store.CreateOrder(ctx, testJob("lock-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Confirm(ctx, id); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := store.Void(ctx, id); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	got, err := store.Get(ctx, id)
	if err != nil || got == nil || got.Status != StatusConfirmed {
		t.Fatalf("unexpected order %+v %v", got, err)
	}
	if missing, err := store.Get(ctx, "nope"); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown order, got %+v %v", missing, err)
	}
}

func TestMemoryMatchesStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.CreateOrder(ctx, testJob("lock-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, _ := m.CreateOrder(ctx, testJob("lock-1"))
	if again != id || id != OrderID("lock-1") {
		t.Fatalf("memory store not idempotent: %s %s", id, again)
	}
	if err := m.Void(ctx, id); err != nil {
		t.Fatalf("void: %v", err)
	}
	if err := m.Confirm(ctx, id); !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
}
