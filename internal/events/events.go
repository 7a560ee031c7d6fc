// Package events carries typed checkout lifecycle and cart invalidation events
// to whichever transports are configured (SQS, Kafka, in-process bus).
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	LockAcquired  Type = "checkout.lock.acquired"
	LockRenewed   Type = "checkout.lock.renewed"
	LockCompleted Type = "checkout.lock.completed"
	LockFailed    Type = "checkout.lock.failed"
	LockExpired   Type = "checkout.lock.expired"
	LockResumed   Type = "checkout.lock.resumed"

	// CartChanged invalidates anything derived from a cart's contents.
	CartChanged Type = "cart.changed"
)

type Event struct {
	ID         string    `json:"event_id"`
	Type       Type      `json:"type"`
	CartID     string    `json:"cart_id"`
	LockID     string    `json:"lock_id,omitempty"`
	State      string    `json:"state,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// New stamps a fresh id and timestamp on an event.
func New(t Type, cartID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		CartID:     cartID,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
