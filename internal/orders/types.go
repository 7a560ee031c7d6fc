package orders

import "time"

// Order statuses. An order is written PENDING and settled once the checkout
// lock has been completed (CONFIRMED) or could not be (VOIDED).
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusVoided    = "VOIDED"
)

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID   string            `dynamodbav:"order_id"` // PK
	LockID    string            `dynamodbav:"lock_id"`
	CartID    string            `dynamodbav:"cart_id"`
	SessionID string            `dynamodbav:"session_id"`
	UserID    string            `dynamodbav:"user_id,omitempty"`
	Status    string            `dynamodbav:"status"`
	Currency  string            `dynamodbav:"currency"`
	Amount    string            `dynamodbav:"amount"` // decimal string, two places
	Items     []Item            `dynamodbav:"items"`
	Metadata  map[string]string `dynamodbav:"metadata,omitempty"`
	CreatedAt time.Time         `dynamodbav:"created_at"`
	UpdatedAt time.Time         `dynamodbav:"updated_at"`
}

type Item struct {
	SKU       string `dynamodbav:"sku"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
}
