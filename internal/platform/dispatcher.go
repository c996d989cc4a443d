package platform

import (
	"sync"
)

// EventHandler receives change-feed events for one subscription.
type EventHandler func(Event)

// Dispatcher fans change-feed events out to scoped subscribers, keyed by
// collection name. Events are delivered to each subscriber in publish order.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
}

type feedSubscriber struct {
	id      int64
	scope   Scope
	handler EventHandler
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*feedSubscriber),
	}
}

// Subscribe registers a handler for events on the named collection that
// fall inside the scope. The returned function removes the registration;
// no events are delivered after it returns.
func (d *Dispatcher) Subscribe(collection string, scope Scope, handler EventHandler) func() {
	if collection == "" || handler == nil {
		return func() {}
	}
	subscriber := &feedSubscriber{
		scope:   scope,
		handler: handler,
	}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*feedSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
	d.mu.Unlock()

	return func() {
		d.unregister(collection, subscriber.id)
	}
}

// Publish delivers the event to every subscriber of its record's collection
// whose scope matches. Handlers run on the publisher's goroutine.
func (d *Dispatcher) Publish(event Event) {
	collection := event.Record.Collection
	if collection == "" || event.Op == "" {
		return
	}
	d.mu.RLock()
	registered := d.subscribers[collection]
	if len(registered) == 0 {
		d.mu.RUnlock()
		return
	}
	matching := make([]*feedSubscriber, 0, len(registered))
	for _, subscriber := range registered {
		if subscriber.scope.Matches(event.Record) {
			matching = append(matching, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range matching {
		subscriber.handler(event)
	}
}

func (d *Dispatcher) unregister(collection string, subscriberID int64) {
	d.mu.Lock()
	registered := d.subscribers[collection]
	if registered != nil {
		delete(registered, subscriberID)
		if len(registered) == 0 {
			delete(d.subscribers, collection)
		}
	}
	d.mu.Unlock()
}
