package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
)

// Message is the payload sent from the API to the pipeline worker.
type Message struct {
	LockID         string `json:"lock_id"`
	CartID         string `json:"cart_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// Dispatcher hands a freshly acquired lock to the pipeline. It is called once
// per created lock, never for an idempotent replay.
type Dispatcher interface {
	Dispatch(ctx context.Context, l *lock.Lock) error
}

// Sender is the queue the QueueDispatcher writes to. *aws.Publisher
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, body string, attributes map[string]string) error
}

type QueueDispatcher struct {
	sender Sender
}

func NewQueueDispatcher(sender Sender) *QueueDispatcher {
	return &QueueDispatcher{sender: sender}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, l *lock.Lock) error {
	msg := Message{
		LockID:         l.ID,
		CartID:         l.CartID,
		IdempotencyKey: l.IdempotencyKey,
		CorrelationID:  uuid.NewString(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pipeline message: %w", err)
	}
	return d.sender.SendMessage(ctx, string(body), map[string]string{
		"lock_id":        l.ID,
		"correlation_id": msg.CorrelationID,
	})
}

// InlineDispatcher runs the pipeline in a goroutine of the API process.
// Runs are detached from the request context and bounded by timeout.
type InlineDispatcher struct {
	runner  *Runner
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewInlineDispatcher(r *Runner, timeout time.Duration) *InlineDispatcher {
	return &InlineDispatcher{runner: r, timeout: timeout}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, l *lock.Lock) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if _, err := d.runner.Run(ctx, l.ID); err != nil {
			log.Printf("[pipeline] inline run lock=%s: %v", l.ID, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
