package reporting

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"stackctl/pkg/logging"
)

// EventHandler is a function that processes events. Handlers run on the
// publisher's goroutine and must not block.
type EventHandler func(Event)

// EventFilter is a function that determines if an event should be processed
type EventFilter func(Event) bool

// EventSubscription represents a subscription to events
type EventSubscription struct {
	ID      string
	Filter  EventFilter
	Handler EventHandler
	Channel chan Event

	closed bool
	mu     sync.RWMutex
}

// C returns the delivery channel of a channel subscription.
func (s *EventSubscription) C() <-chan Event {
	return s.Channel
}

// Close closes the subscription
func (s *EventSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if s.Channel != nil {
			close(s.Channel)
		}
		s.closed = true
	}
}

// IsClosed returns whether the subscription is closed
func (s *EventSubscription) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// deliver hands the event to a channel subscriber without blocking.
func (s *EventSubscription) deliver(event Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.Channel <- event:
		return true
	default:
		return false
	}
}

// EventBus provides publish/subscribe functionality for lifecycle events
type EventBus interface {
	// Publish publishes an event to all subscribers. It never blocks on a
	// slow channel subscriber; the event is dropped for that subscriber.
	Publish(event Event)

	// Subscribe creates a subscription with a handler function
	Subscribe(filter EventFilter, handler EventHandler) *EventSubscription

	// SubscribeChannel creates a subscription with a channel
	SubscribeChannel(filter EventFilter, bufferSize int) *EventSubscription

	// Unsubscribe removes a subscription
	Unsubscribe(subscription *EventSubscription)

	// GetMetrics returns event bus metrics
	GetMetrics() EventBusMetrics

	// Close closes the event bus and all subscriptions
	Close()
}

// EventBusMetrics tracks event bus throughput
type EventBusMetrics struct {
	ActiveSubscriptions int
	EventsPublished     int64
	EventsDelivered     int64
	EventsDropped       int64
	LastEventTime       time.Time
	EventsByType        map[EventType]int64
}

// DefaultEventBus is the default implementation of EventBus
type DefaultEventBus struct {
	subscriptions map[string]*EventSubscription
	order         []string
	metrics       EventBusMetrics
	mu            sync.RWMutex
	closed        bool
}

// NewEventBus creates a new event bus
func NewEventBus() *DefaultEventBus {
	return &DefaultEventBus{
		subscriptions: make(map[string]*EventSubscription),
		metrics: EventBusMetrics{
			EventsByType: make(map[EventType]int64),
		},
	}
}

// Publish publishes an event to all subscribers in subscription order.
func (eb *DefaultEventBus) Publish(event Event) {
	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return
	}
	subs := make([]*EventSubscription, 0, len(eb.order))
	for _, id := range eb.order {
		subs = append(subs, eb.subscriptions[id])
	}
	eb.mu.RUnlock()

	delivered, dropped := 0, 0
	for _, sub := range subs {
		if sub.IsClosed() {
			continue
		}
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		if sub.Handler != nil {
			eb.callHandler(sub.Handler, event)
			delivered++
		}
		if sub.Channel != nil {
			if sub.deliver(event) {
				delivered++
			} else {
				dropped++
			}
		}
	}

	eb.mu.Lock()
	eb.metrics.EventsPublished++
	eb.metrics.EventsByType[event.Type]++
	eb.metrics.LastEventTime = event.Timestamp
	eb.metrics.EventsDelivered += int64(delivered)
	eb.metrics.EventsDropped += int64(dropped)
	eb.mu.Unlock()
}

func (eb *DefaultEventBus) callHandler(handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("EventBus", "event handler panicked on %s: %v", event.Type, r)
		}
	}()
	handler(event)
}

// Subscribe creates a subscription with a handler function
func (eb *DefaultEventBus) Subscribe(filter EventFilter, handler EventHandler) *EventSubscription {
	return eb.add(&EventSubscription{Filter: filter, Handler: handler})
}

// SubscribeChannel creates a subscription with a channel
func (eb *DefaultEventBus) SubscribeChannel(filter EventFilter, bufferSize int) *EventSubscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return eb.add(&EventSubscription{Filter: filter, Channel: make(chan Event, bufferSize)})
}

func (eb *DefaultEventBus) add(sub *EventSubscription) *EventSubscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	sub.ID = uuid.NewString()
	if eb.closed {
		sub.closed = true
		return sub
	}
	eb.subscriptions[sub.ID] = sub
	eb.order = append(eb.order, sub.ID)
	eb.metrics.ActiveSubscriptions++
	return sub
}

// Unsubscribe removes a subscription
func (eb *DefaultEventBus) Unsubscribe(subscription *EventSubscription) {
	if subscription == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if _, exists := eb.subscriptions[subscription.ID]; !exists {
		return
	}
	subscription.Close()
	delete(eb.subscriptions, subscription.ID)
	for i, id := range eb.order {
		if id == subscription.ID {
			eb.order = append(eb.order[:i], eb.order[i+1:]...)
			break
		}
	}
	eb.metrics.ActiveSubscriptions--
}

// GetMetrics returns a copy of the event bus metrics
func (eb *DefaultEventBus) GetMetrics() EventBusMetrics {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	metrics := eb.metrics
	metrics.EventsByType = make(map[EventType]int64, len(eb.metrics.EventsByType))
	for k, v := range eb.metrics.EventsByType {
		metrics.EventsByType[k] = v
	}
	return metrics
}

// Close closes the event bus and all subscriptions
func (eb *DefaultEventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subscriptions {
		sub.Close()
	}
	eb.subscriptions = make(map[string]*EventSubscription)
	eb.order = nil
	eb.metrics.ActiveSubscriptions = 0
}

// Common event filters

// FilterByType creates a filter that matches events of specific types
func FilterByType(eventTypes ...EventType) EventFilter {
	typeMap := make(map[EventType]bool)
	for _, t := range eventTypes {
		typeMap[t] = true
	}
	return func(event Event) bool {
		return typeMap[event.Type]
	}
}

// FilterByService creates a filter that matches events about specific services
func FilterByService(services ...string) EventFilter {
	serviceMap := make(map[string]bool)
	for _, s := range services {
		serviceMap[s] = true
	}
	return func(event Event) bool {
		return serviceMap[event.Service]
	}
}

// FilterBySeverity creates a filter that matches events with minimum severity
func FilterBySeverity(minSeverity EventSeverity) EventFilter {
	minLevel := severityRank[minSeverity]
	return func(event Event) bool {
		level, exists := severityRank[event.Severity]
		return exists && level >= minLevel
	}
}

// CombineFilters combines multiple filters with AND logic
func CombineFilters(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, filter := range filters {
			if !filter(event) {
				return false
			}
		}
		return true
	}
}
