package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MockChannel records sends and fails on demand; used in tests and local
// development.
type MockChannel struct {
	mu        sync.Mutex
	sent      []*Notification
	attempts  map[string]int
	failTimes int
	failAll   bool
	sendDelay time.Duration
	onSend    func(n *Notification)
}

// NewMockChannel creates a mock channel that always succeeds
func NewMockChannel() *MockChannel {
	return &MockChannel{attempts: make(map[string]int)}
}

// Send records the notification, honouring the configured delay and failures
func (c *MockChannel) Send(ctx context.Context, n *Notification) (string, error) {
	c.mu.Lock()
	delay := c.sendDelay
	onSend := c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend(n)
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts[n.ID]++
	if c.failAll || c.attempts[n.ID] <= c.failTimes {
		return "", fmt.Errorf("mock send failure (attempt %d)", c.attempts[n.ID])
	}

	c.sent = append(c.sent, n)
	return fmt.Sprintf("mock-%s-%d", n.ID, c.attempts[n.ID]), nil
}

// SetFailAll makes every send fail
func (c *MockChannel) SetFailAll(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = fail
}

// SetFailTimes makes the first n attempts of each notification fail
func (c *MockChannel) SetFailTimes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTimes = n
}

// SetSendDelay sets an artificial delay for Send
func (c *MockChannel) SetSendDelay(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendDelay = delay
}

// OnSend registers a hook called at the start of every attempt
func (c *MockChannel) OnSend(fn func(n *Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// Sent returns the successfully delivered notifications in order
func (c *MockChannel) Sent() []*Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Notification, len(c.sent))
	copy(out, c.sent)
	return out
}

// Attempts returns how many times id was attempted
func (c *MockChannel) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}

// LogChannel writes notifications to the log instead of a provider. It
// stands in for providers that are not configured.
type LogChannel struct {
	method Method
	log    *logrus.Entry
}

// NewLogChannel creates a log-only channel for method
func NewLogChannel(method Method, log *logrus.Entry) *LogChannel {
	return &LogChannel{method: method, log: log}
}

// Send logs the notification
func (c *LogChannel) Send(_ context.Context, n *Notification) (string, error) {
	c.log.WithFields(logrus.Fields{
		"notification_id": n.ID,
		"alert_id":        n.AlertID,
		"method":          c.method,
		"recipient":       n.Recipient,
		"subject":         n.Content.Subject,
		"urgency":         n.Content.UrgencyLevel,
	}).Info("notification delivered to log channel")
	return "log-" + n.ID, nil
}
