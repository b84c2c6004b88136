package relay

import (
	"sync"
)

// Invalidation is the message published when key versions change.
type Invalidation struct {
	Keys     []string
	Versions map[string]int64
	Source   string
}

// Broker is the per-server publish/subscribe channel that feeds
// long-poll suspensions. Each subscription is one-shot: the first
// matching publication delivers and removes it, so a suspended
// request wakes exactly once and re-reads the store itself.
type Broker struct {
	mu   sync.Mutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	keys map[string]struct{}
	ch   chan Invalidation
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscription)}
}

// Subscribe registers a one-shot listener for the given keys. The
// returned channel receives at most one Invalidation whose key set
// intersects keys. The cancel function releases the subscription and
// is safe to call after delivery.
func (b *Broker) Subscribe(keys []string) (<-chan Invalidation, func()) {
	sub := &subscription{
		keys: make(map[string]struct{}, len(keys)),
		ch:   make(chan Invalidation, 1),
	}
	for _, key := range keys {
		sub.keys[key] = struct{}{}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish wakes every subscription whose key set intersects the
// invalidation. Delivery never blocks the publisher.
func (b *Broker) Publish(inv Invalidation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !intersects(sub.keys, inv.Keys) {
			continue
		}
		select {
		case sub.ch <- inv:
		default:
		}
		delete(b.subs, id)
	}
}

// Pending returns the number of live subscriptions.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func intersects(set map[string]struct{}, keys []string) bool {
	for _, key := range keys {
		if _, ok := set[key]; ok {
			return true
		}
	}
	return false
}
