package orders

import (
	"context"
	"sync"
	"time"

	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
)

// Memory keeps orders in process. It backs local runs without an orders table.
type Memory struct {
	mu     sync.Mutex
	orders map[string]Order
}

func NewMemory() *Memory {
	return &Memory{orders: map[string]Order{}}
}

func (m *Memory) CreateOrder(_ context.Context, job *pipeline.Job) (string, error) {
	order := FromJob(job, time.Now().UTC())
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.orders[order.OrderID]; ok {
		if existing.LockID != order.LockID {
			return "", ErrOrderConflict
		}
		return existing.OrderID, nil
	}
	m.orders[order.OrderID] = order
	return order.OrderID, nil
}

func (m *Memory) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (m *Memory) Confirm(_ context.Context, orderID string) error {
	return m.settle(orderID, StatusConfirmed)
}

func (m *Memory) Void(_ context.Context, orderID string) error {
	return m.settle(orderID, StatusVoided)
}

func (m *Memory) settle(orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != StatusPending {
		return ErrStatusMismatch
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	m.orders[orderID] = o
	return nil
}
