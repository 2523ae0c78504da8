package mq

import (
	"context"
	"slices"
	"sync"
)

// Handler receives messages delivered by a Bus.
type Handler func(ctx context.Context, key RoutingKey, msg any)

// Subscription is returned by Bus.Subscribe.
type Subscription struct {
	bus    *Bus
	id     uint64
	filter RoutingKey
	fn     Handler
}

// Cancel stops delivery to the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.subs = slices.DeleteFunc(s.bus.subs, func(other *Subscription) bool { return other.id == s.id })
}

// Bus is an in-process, synchronous fan-out Producer.
// Handlers run on the producing goroutine in subscription order.
type Bus struct {
	mu sync.RWMutex
	// subs holds live subscriptions in subscription order.
	subs   []*Subscription
	nextID uint64
}

var _ Producer = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every message whose key matches filter.
func (b *Bus) Subscribe(filter RoutingKey, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, filter: append(RoutingKey(nil), filter...), fn: fn}
	b.subs = append(b.subs, sub)
	return sub
}

// Produce delivers msg to every matching subscription.
func (b *Bus) Produce(ctx context.Context, key RoutingKey, msg any) error {
	for _, sub := range b.matching(key) {
		sub.fn(ctx, key, msg)
	}
	return nil
}

func (b *Bus) matching(key RoutingKey) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var subs []*Subscription
	for _, sub := range b.subs {
		if sub.filter.Matches(key) {
			subs = append(subs, sub)
		}
	}
	return subs
}
