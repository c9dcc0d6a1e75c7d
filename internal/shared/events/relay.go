package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/metrics"
)

const defaultRelayQueue = 1024

// Relay hands bus events to a slow external sink. The bus-side handler only
// queues the event; a single worker feeds the sink in order. Events are
// dropped with a warning when the queue is full or the relay is stopped.
type Relay struct {
	name    string
	handler Handler
	log     *logrus.Entry

	queue chan Event
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewRelay creates a relay with room for size pending events
func NewRelay(name string, size int, handler Handler, log *logrus.Entry) *Relay {
	if size <= 0 {
		size = defaultRelayQueue
	}
	return &Relay{
		name:    name,
		handler: handler,
		log:     log,
		queue:   make(chan Event, size),
	}
}

// Attach subscribes the relay to pattern on bus
func (r *Relay) Attach(bus *Bus, pattern string) func() {
	return bus.Subscribe(pattern, r.name, r.Enqueue)
}

// Enqueue queues event and returns at once
func (r *Relay) Enqueue(_ context.Context, event Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "relay stopped")
		return nil
	}

	select {
	case r.queue <- event:
	default:
		r.drop(event, "relay queue full")
	}
	return nil
}

// Start launches the worker
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true

	r.wg.Add(1)
	go r.worker()
}

// Stop refuses new events and waits for the queue to drain
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		for event := range r.queue {
			r.drop(event, "relay stopped before start")
		}
		return
	}
	r.wg.Wait()
}

// Pending returns the number of queued events
func (r *Relay) Pending() int {
	return len(r.queue)
}

func (r *Relay) worker() {
	defer r.wg.Done()
	for event := range r.queue {
		if err := r.handler(context.Background(), event); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"relay":      r.name,
				"event_type": event.Type,
				"event_id":   event.ID,
			}).Warn("relay delivery failed")
		}
	}
}

func (r *Relay) drop(event Event, reason string) {
	metrics.RecordRelayDrop(r.name)
	r.log.WithFields(logrus.Fields{
		"relay":      r.name,
		"event_type": event.Type,
		"event_id":   event.ID,
	}).Warn(reason + ", dropping event")
}
