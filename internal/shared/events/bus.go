package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event represents a crisis pipeline event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Actor information
	ActorID   string `json:"actor_id,omitempty"`
	ActorType string `json:"actor_type,omitempty"` // user, staff, system

	// UserID is the person the event is about.
	UserID string `json:"user_id,omitempty"`

	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		ActorType: "system",
		Data:      data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// ForUser sets the subject user of the event
func (e Event) ForUser(userID string) Event {
	e.UserID = userID
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher is the narrow interface components emit through.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type subscription struct {
	id      uint64
	pattern string
	name    string
	handler Handler
}

// Bus is an in-process publish/subscribe hub. Delivery is synchronous and
// follows subscription order. A failing or panicking listener is logged and
// never stops the remaining listeners or the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	log    *logrus.Entry
}

// NewBus creates an empty bus
func NewBus(log *logrus.Entry) *Bus {
	return &Bus{log: log}
}

// Subscribe registers handler for events matching pattern. Patterns are an
// exact type, "*" or a prefix ending in "*" such as "alert_*".
func (b *Bus) Subscribe(pattern, name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, name: name, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers event to every matching subscriber. It only fails when
// the context is already done.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchesPattern(event.Type, s.pattern) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(ctx, s, event); err != nil {
			b.log.WithFields(logrus.Fields{
				"subscriber": s.name,
				"event_type": event.Type,
				"event_id":   event.ID,
			}).WithError(err).Warn("event handler failed")
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(ctx, event)
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// matchesPattern checks if an event type matches a subscription pattern
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Discard is a Publisher that drops events.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
