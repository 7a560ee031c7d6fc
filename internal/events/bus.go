package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is an in-process publish/subscribe channel. Publish never blocks: a
// subscriber whose buffer is full misses the event and Dropped is incremented.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: map[*Subscription]struct{}{}}
}

type Subscription struct {
	C     <-chan Event
	ch    chan Event
	types map[Type]bool
	bus   *Bus
	once  sync.Once
}

// Subscribe returns a subscription receiving events of the given types, or
// every event when types is empty.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped is the number of deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
