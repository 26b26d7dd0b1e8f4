// Package events is the in-process pub/sub channel for governor state
// changes: breaker transitions, balance discrepancies, queue pressure.
package events

import (
	"sync"
	"time"
)

// EventType names the kinds of events the governor publishes.
type EventType string

const (
	EventBreakerStateChanged EventType = "BREAKER_STATE_CHANGED"
	EventBalanceDiscrepancy  EventType = "BALANCE_DISCREPANCY"
	EventBalanceRejected     EventType = "BALANCE_REJECTED"
	EventQueueEvicted        EventType = "QUEUE_EVICTED"
	EventRequestExpired      EventType = "REQUEST_EXPIRED"
	EventBudgetExceeded      EventType = "BUDGET_EXCEEDED"
	EventStateSnapshotSaved  EventType = "STATE_SNAPSHOT_SAVED"
)

// Event is one published occurrence.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[EventType]map[int]Subscriber
	allSubs     map[int]Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType]map[int]Subscriber),
		allSubs:     make(map[int]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type. The returned
// function removes the subscription; transient consumers must call it or the
// subscriber stays registered for the life of the bus.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[int]Subscriber)
	}
	b.subscribers[eventType][id] = subscriber

	return func() {
		b.mu.Lock()
		delete(b.subscribers[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a subscriber for all events. The returned function
// removes the subscription.
func (b *Bus) SubscribeAll(subscriber Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.allSubs[id] = subscriber

	return func() {
		b.mu.Lock()
		delete(b.allSubs, id)
		b.mu.Unlock()
	}
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow observer never blocks the governor.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishBreakerChange publishes a breaker state transition.
func (b *Bus) PublishBreakerChange(from, to, reason string) {
	b.Publish(Event{
		Type: EventBreakerStateChanged,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishBalanceDiscrepancy publishes a push/pull disagreement.
func (b *Bus) PublishBalanceDiscrepancy(asset, pushTotal, pullTotal string) {
	b.Publish(Event{
		Type: EventBalanceDiscrepancy,
		Data: map[string]interface{}{
			"asset":      asset,
			"push_total": pushTotal,
			"pull_total": pullTotal,
		},
	})
}

// PublishBalanceRejected publishes a record that failed validation.
func (b *Bus) PublishBalanceRejected(asset, source, reason string) {
	b.Publish(Event{
		Type: EventBalanceRejected,
		Data: map[string]interface{}{
			"asset":  asset,
			"source": source,
			"reason": reason,
		},
	})
}

// PublishQueueEvicted publishes a request pushed out of the bounded queue.
func (b *Bus) PublishQueueEvicted(endpoint string, priority string) {
	b.Publish(Event{
		Type: EventQueueEvicted,
		Data: map[string]interface{}{
			"endpoint": endpoint,
			"priority": priority,
		},
	})
}

// PublishRequestExpired publishes a queued request whose deadline passed.
func (b *Bus) PublishRequestExpired(endpoint string) {
	b.Publish(Event{
		Type: EventRequestExpired,
		Data: map[string]interface{}{
			"endpoint": endpoint,
		},
	})
}

// PublishBudgetExceeded publishes a limiter rejection with its wait hint.
func (b *Bus) PublishBudgetExceeded(key, endpoint string, waitMs int64) {
	b.Publish(Event{
		Type: EventBudgetExceeded,
		Data: map[string]interface{}{
			"key":      key,
			"endpoint": endpoint,
			"wait_ms":  waitMs,
		},
	})
}
