package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/carecircle/crisis/internal/shared/config"
)

const (
	amqpPublishTimeout = 500 * time.Millisecond
	amqpMaxBackoff     = 30 * time.Second
)

// amqpChannel is the part of *amqp.Channel the forwarder uses
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPForwarder publishes bus events to a topic exchange so downstream
// systems (EHR, on-call paging) can consume them. The routing key is the
// event type. Events reach the broker through a relay, and a lost
// connection is redialled with backoff.
type AMQPForwarder struct {
	cfg      config.AMQPConfig
	exchange string
	timeout  time.Duration
	relay    *Relay
	log      *logrus.Entry

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool

	// at most one publish runs at a time, even after a timeout
	inflight atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewAMQPForwarder dials the broker, declares the exchange and starts
// watching the connection.
func NewAMQPForwarder(cfg config.AMQPConfig, log *logrus.Entry) (*AMQPForwarder, error) {
	f := newAMQPForwarder(cfg.Exchange, amqpPublishTimeout, log)
	f.cfg = cfg

	closed, err := f.connect()
	if err != nil {
		return nil, err
	}

	f.wg.Add(1)
	go f.monitor(closed)
	return f, nil
}

func newAMQPForwarder(exchange string, timeout time.Duration, log *logrus.Entry) *AMQPForwarder {
	f := &AMQPForwarder{
		exchange: exchange,
		timeout:  timeout,
		log:      log,
		stop:     make(chan struct{}),
	}
	f.relay = NewRelay("amqp-forwarder", defaultRelayQueue, f.Forward, log)
	return f
}

// connect opens a connection and channel and returns the connection's
// close notifications.
func (f *AMQPForwarder) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(f.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if err := channel.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", f.exchange, err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	f.mu.Lock()
	f.conn = conn
	f.channel = channel
	f.connected = true
	f.mu.Unlock()
	return closed, nil
}

// monitor redials whenever the connection closes, until Close is called
func (f *AMQPForwarder) monitor(closed chan *amqp.Error) {
	defer f.wg.Done()
	for {
		select {
		case <-f.stop:
			return
		case closeErr := <-closed:
			f.mu.Lock()
			f.connected = false
			f.mu.Unlock()

			select {
			case <-f.stop:
				return
			default:
			}

			f.log.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
			next, ok := f.reconnect()
			if !ok {
				return
			}
			closed = next
		}
	}
}

func (f *AMQPForwarder) reconnect() (chan *amqp.Error, bool) {
	for attempt := 1; ; attempt++ {
		closed, err := f.connect()
		if err == nil {
			f.log.WithField("attempt", attempt).Info("reconnected to AMQP server")
			return closed, true
		}
		f.log.WithError(err).WithField("attempt", attempt).Error("failed to reconnect to AMQP server")

		select {
		case <-f.stop:
			return nil, false
		case <-time.After(reconnectBackoff(attempt)):
		}
	}
}

// reconnectBackoff doubles from one second up to amqpMaxBackoff
func reconnectBackoff(attempt int) time.Duration {
	if attempt > 6 {
		return amqpMaxBackoff
	}
	backoff := time.Duration(1<<uint(attempt-1)) * time.Second
	if backoff > amqpMaxBackoff {
		return amqpMaxBackoff
	}
	return backoff
}

// Attach starts the relay and subscribes it to every event on the bus.
func (f *AMQPForwarder) Attach(bus *Bus) func() {
	f.relay.Start()
	return f.relay.Attach(bus, "*")
}

// Connected reports whether a broker connection is up
func (f *AMQPForwarder) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Forward publishes a single event, waiting at most the forwarder timeout.
// A publish that outlives the timeout keeps the forwarder busy and later
// events fail fast until it returns.
func (f *AMQPForwarder) Forward(ctx context.Context, event Event) error {
	if event.Type == TypeBreathingPhaseUpdate {
		return nil
	}

	f.mu.RLock()
	channel, connected := f.channel, f.connected
	f.mu.RUnlock()
	if !connected || channel == nil {
		return fmt.Errorf("AMQP disconnected, %s not forwarded", event.Type)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if !f.inflight.CompareAndSwap(false, true) {
		return fmt.Errorf("AMQP publish still in flight, %s not forwarded", event.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer f.inflight.Store(false)
		done <- channel.Publish(f.exchange, event.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.ID,
			Timestamp:    event.Timestamp,
			Type:         event.Type,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to publish %s to AMQP: %w", event.Type, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publishing %s to AMQP timed out", event.Type)
	}
}

// Close drains pending events, stops reconnecting and closes the
// connection.
func (f *AMQPForwarder) Close() {
	f.relay.Stop()
	f.stopOnce.Do(func() { close(f.stop) })

	f.mu.Lock()
	if f.channel != nil {
		f.channel.Close()
	}
	if f.conn != nil {
		f.conn.Close()
	}
	f.connected = false
	f.mu.Unlock()

	f.wg.Wait()
}
