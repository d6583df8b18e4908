// Package events provides the subscription registry the core components publish
// lifecycle events through. Collaborators such as audit logging subscribe here;
// the core never persists events itself.
package events

import (
	"sync"
	"time"
)

// Topics published by the core.
const (
	TopicSessionCreated   = "session:created"
	TopicSessionRemoved   = "session:removed"
	TopicSessionRefreshed = "session:refreshed"
	TopicSessionExpired   = "session:expired"
	TopicLockAcquired     = "lock:acquired"
	TopicLockReleased     = "lock:released"
	TopicConflictResolved = "conflict:resolved"
	TopicRecoveryAttempt  = "recovery:attempt"
	TopicRecoverySuccess  = "recovery:success"
	TopicRecoveryFailure  = "recovery:failure"

	// TopicAll subscribes a handler to every topic.
	TopicAll = "*"
)

// Event is one lifecycle notification.
type Event struct {
	Topic     string
	Timestamp time.Time
	SessionID string
	UserID    string
	Fields    map[string]any
}

// Handler receives published events. Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Bus is a minimal publish/subscribe registry. The zero value is not usable; create
// one with NewBus and inject it into each component.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler // topic -> subscriber id -> handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for a topic (or TopicAll for every topic) and
// returns a function that removes it.
func (b *Bus) Subscribe(topic string, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// Publish delivers the event to every handler subscribed to its topic or to
// TopicAll. Delivery happens under a snapshot of the subscriber set so handlers may
// unsubscribe during delivery.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.handlers[event.Topic])+len(b.handlers[TopicAll]))
	for _, h := range b.handlers[event.Topic] {
		snapshot = append(snapshot, h)
	}
	for _, h := range b.handlers[TopicAll] {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(event)
	}
}
