package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/logging"
)

func TestStalledRelayDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(logging.Discard())
	release := make(chan struct{})
	relay := NewRelay("stalled", 4, func(ctx context.Context, e Event) error {
		<-release
		return nil
	}, logging.Discard())
	relay.Start()
	relay.Attach(bus, "*")

	var delivered int
	bus.Subscribe(TypePanicStarted, "domain", func(ctx context.Context, e Event) error {
		delivered++
		return nil
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), NewEvent(TypePanicStarted, "test", nil)))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 10, delivered)
	assert.LessOrEqual(t, relay.Pending(), 4)

	close(release)
	relay.Stop()
	assert.Equal(t, 0, relay.Pending())
}

func TestRelayDeliversInOrderAndDrainsOnStop(t *testing.T) {
	var mu sync.Mutex
	var got []string
	relay := NewRelay("ordered", 16, func(ctx context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.ID)
		mu.Unlock()
		return nil
	}, logging.Discard())
	relay.Start()

	var want []string
	for i := 0; i < 10; i++ {
		e := NewEvent(TypeAlertCreated, "test", nil)
		want = append(want, e.ID)
		require.NoError(t, relay.Enqueue(context.Background(), e))
	}
	relay.Stop()

	assert.Equal(t, want, got)
	// stopped relays drop without blocking
	assert.NoError(t, relay.Enqueue(context.Background(), NewEvent(TypeAlertCreated, "test", nil)))
	assert.Len(t, got, 10)
}

// blockingChannel holds every publish until released
type blockingChannel struct {
	mu        sync.Mutex
	release   chan struct{}
	published []string
}

func (c *blockingChannel) Publish(_, key string, _, _ bool, _ amqp.Publishing) error {
	<-c.release
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, key)
	return nil
}

func (c *blockingChannel) Close() error { return nil }

func (c *blockingChannel) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.published...)
}

func TestForwardTimesOutAndFailsFastWhileStalled(t *testing.T) {
	f := newAMQPForwarder("crisis.events", 50*time.Millisecond, logging.Discard())
	channel := &blockingChannel{release: make(chan struct{})}
	f.channel = channel
	f.connected = true

	start := time.Now()
	err := f.Forward(context.Background(), NewEvent(TypeAlertCreated, "test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), time.Second)

	start = time.Now()
	err = f.Forward(context.Background(), NewEvent(TypeAlertEscalated, "test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	close(channel.release)
	require.Eventually(t, func() bool { return !f.inflight.Load() }, time.Second, time.Millisecond)

	require.NoError(t, f.Forward(context.Background(), NewEvent(TypeAlertResolved, "test", nil)))
	assert.Equal(t, []string{TypeAlertCreated, TypeAlertResolved}, channel.keys())
}

func TestForwardWhileDisconnected(t *testing.T) {
	f := newAMQPForwarder("crisis.events", 50*time.Millisecond, logging.Discard())
	err := f.Forward(context.Background(), NewEvent(TypeAlertCreated, "test", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disconnected")
	assert.False(t, f.Connected())
}

func TestReconnectBackoff(t *testing.T) {
	assert.Equal(t, time.Second, reconnectBackoff(1))
	assert.Equal(t, 4*time.Second, reconnectBackoff(3))
	assert.Equal(t, amqpMaxBackoff, reconnectBackoff(6))
	assert.Equal(t, amqpMaxBackoff, reconnectBackoff(40))
}
