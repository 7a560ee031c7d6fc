package validation

// StartCheckoutRequest is the payload for POST /checkout/start. The
// idempotency key travels in the Idempotency-Key header.
type StartCheckoutRequest struct {
	CartID   string            `json:"cart_id" validate:"required,max=128"`
	Phase    string            `json:"phase,omitempty" validate:"omitempty,max=64"`
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

// HeartbeatRequest optionally records the phase now executing.
type HeartbeatRequest struct {
	Phase string `json:"phase,omitempty" validate:"omitempty,max=64"`
}

// CompleteRequest is sent by the pipeline once the order is committed.
type CompleteRequest struct {
	OrderID  string            `json:"order_id" validate:"required,max=128"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type FailRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// ResumeRequest may carry its own idempotency key; without one the key is
// derived from the lock being resumed.
type ResumeRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,idemkey"`
}

type AddLineRequest struct {
	SKU       string `json:"sku" validate:"required,max=64"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=999"`
	UnitPrice string `json:"unit_price" validate:"required,money"`
}

type SetQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,min=0,max=999"`
}

type DiscountRequest struct {
	Code string `json:"code" validate:"required,max=32,alphanum"`
}

type AddressRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	Line1      string `json:"line1" validate:"required,max=256"`
	Line2      string `json:"line2,omitempty" validate:"omitempty,max=256"`
	City       string `json:"city" validate:"required,max=128"`
	Region     string `json:"region,omitempty" validate:"omitempty,max=64"`
	PostalCode string `json:"postal_code" validate:"required,max=16"`
	Country    string `json:"country" validate:"required,iso3166_1_alpha2"`
}
