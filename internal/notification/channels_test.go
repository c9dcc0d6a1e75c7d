package notification

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/logging"
)

func TestEmailHeadersCannotBeInjected(t *testing.T) {
	n := newNotification("high", MethodEmail)
	n.Recipient = "contact@example.com"
	n.Content.Subject = "Help\r\nBcc: attacker@example.com"

	msg := string(emailMessage("alerts@carecircle.app", n))
	headers, _, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found)

	for _, line := range strings.Split(headers, "\r\n") {
		assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
	}
	assert.Contains(t, headers, "Subject: Help Bcc: attacker@example.com")
}

func TestEmailSubjectIsEncodedWhenNotASCII(t *testing.T) {
	n := newNotification("high", MethodEmail)
	n.Content.Subject = "Hitno: upozorenje ž"

	msg := string(emailMessage("alerts@carecircle.app", n))
	assert.Contains(t, msg, "Subject: =?utf-8?q?")
}

func TestSMTPSendHonoursDeadline(t *testing.T) {
	var mu sync.Mutex
	var servers []net.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range servers {
			c.Close()
		}
	})

	ch := NewSMTPChannel(config.SMTPConfig{Host: "mail.example", Port: 25, From: "alerts@carecircle.app"})
	// the server side never sends a greeting
	ch.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, server := net.Pipe()
		mu.Lock()
		servers = append(servers, server)
		mu.Unlock()
		return client, nil
	}

	n := newNotification("high", MethodEmail)
	n.Recipient = "contact@example.com"

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := ch.Send(ctx, n)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, errors.Is(err, errors.ErrUpstreamTimeout))
}

// timeoutChannel always times out
type timeoutChannel struct {
	mu    sync.Mutex
	calls int
}

func (c *timeoutChannel) Send(context.Context, *Notification) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return "", errors.UpstreamTimeout("twilio", context.DeadlineExceeded)
}

func (c *timeoutChannel) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestTimedOutCallIsNotRetried(t *testing.T) {
	phone := &timeoutChannel{}
	sms := &timeoutChannel{}
	d := NewDispatcher(testConfig(), map[Method]Channel{MethodPhone: phone, MethodSMS: sms}, nil, nil, logging.Discard())
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	call := newNotification("critical", MethodPhone)
	text := newNotification("critical", MethodSMS)
	require.NoError(t, d.Enqueue(call))
	require.NoError(t, d.Enqueue(text))

	gotCall := waitTerminal(t, d, call.ID)
	assert.Equal(t, StatusFailed, gotCall.Status)
	assert.Equal(t, 0, gotCall.RetryCount)
	assert.Equal(t, 1, phone.attempts())

	gotText := waitTerminal(t, d, text.ID)
	assert.Equal(t, StatusFailed, gotText.Status)
	assert.Equal(t, gotText.MaxRetries, gotText.RetryCount)
	assert.Equal(t, gotText.MaxRetries+1, sms.attempts())
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(context.DeadlineExceeded))
	assert.True(t, isTimeout(&net.OpError{Op: "dial", Err: timeoutErr{}}))
	assert.False(t, isTimeout(context.Canceled))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
