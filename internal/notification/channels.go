package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/sirupsen/logrus"
	"github.com/twilio/twilio-go"
	twilioClient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"google.golang.org/api/option"

	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
)

// callWithContext runs a provider call that has no context support and
// gives up when ctx ends. The call is expected to carry its own request
// timeout so it does not outlive the send. Timeouts are reported as
// UpstreamTimeout because the provider may still have acted.
func callWithContext(ctx context.Context, service string, fn func() (string, error)) (string, error) {
	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ref, err := fn()
		done <- result{ref, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if isTimeout(r.err) {
				return "", errors.UpstreamTimeout(service, r.err)
			}
			return "", errors.UpstreamUnavailable(service, r.err)
		}
		return r.ref, nil
	case <-ctx.Done():
		return "", errors.UpstreamTimeout(service, ctx.Err())
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// newTwilioClient bounds every REST request by cfg.RequestTimeout
func newTwilioClient(cfg config.TwilioConfig) *twilio.RestClient {
	base := &twilioClient.Client{Credentials: twilioClient.NewCredentials(cfg.AccountSID, cfg.AuthToken)}
	base.SetAccountSid(cfg.AccountSID)
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	base.SetTimeout(timeout)
	return twilio.NewRestClientWithParams(twilio.ClientParams{Client: base})
}

// defaultProviderTimeout stays below the dispatcher's send timeout
const defaultProviderTimeout = 8 * time.Second

// TwilioSMSChannel sends text messages through Twilio
type TwilioSMSChannel struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSMSChannel creates an SMS channel
func NewTwilioSMSChannel(cfg config.TwilioConfig) *TwilioSMSChannel {
	return &TwilioSMSChannel{client: newTwilioClient(cfg), from: cfg.FromNumber}
}

// Send sends the subject, message and call to action as one SMS
func (c *TwilioSMSChannel) Send(ctx context.Context, n *Notification) (string, error) {
	if n.Recipient == "" {
		return "", errors.BadRequest("no phone number for sms notification")
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.Recipient)
	params.SetFrom(c.from)
	params.SetBody(smsBody(n.Content))

	return callWithContext(ctx, "twilio", func() (string, error) {
		resp, err := c.client.Api.CreateMessage(params)
		if err != nil {
			return "", err
		}
		if resp.Sid == nil {
			return "", nil
		}
		return *resp.Sid, nil
	})
}

func smsBody(c Content) string {
	return c.Subject + "\n" + c.Message + "\n" + c.CallToAction
}

// TwilioVoiceChannel places a call that reads the alert aloud
type TwilioVoiceChannel struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioVoiceChannel creates a voice channel
func NewTwilioVoiceChannel(cfg config.TwilioConfig) *TwilioVoiceChannel {
	return &TwilioVoiceChannel{client: newTwilioClient(cfg), from: cfg.FromNumber}
}

// Send places the call
func (c *TwilioVoiceChannel) Send(ctx context.Context, n *Notification) (string, error) {
	if n.Recipient == "" {
		return "", errors.BadRequest("no phone number for phone notification")
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(n.Recipient)
	params.SetFrom(c.from)
	params.SetTwiml(voiceTwiml(n.Content))

	return callWithContext(ctx, "twilio", func() (string, error) {
		resp, err := c.client.Api.CreateCall(params)
		if err != nil {
			return "", err
		}
		if resp.Sid == nil {
			return "", nil
		}
		return *resp.Sid, nil
	})
}

// voiceTwiml reads the message twice so a responder who picks up late
// still hears it.
func voiceTwiml(c Content) string {
	text := html.EscapeString(c.Subject + ". " + strings.ReplaceAll(c.Message, "\n", ". ") + ". " + c.CallToAction)
	return fmt.Sprintf(`<Response><Say>%s</Say><Pause length="1"/><Say>%s</Say></Response>`, text, text)
}

// FirebasePushChannel sends push notifications through FCM
type FirebasePushChannel struct {
	client *messaging.Client
}

// NewFirebasePushChannel initializes Firebase from a service account file
func NewFirebasePushChannel(ctx context.Context, cfg config.FirebaseConfig) (*FirebasePushChannel, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &FirebasePushChannel{client: client}, nil
}

// Send pushes to the device token held in Recipient
func (c *FirebasePushChannel) Send(ctx context.Context, n *Notification) (string, error) {
	if n.Recipient == "" {
		return "", errors.BadRequest("no device token for push notification")
	}

	priority := "normal"
	if n.Content.UrgencyLevel == UrgencyImmediate || n.Content.UrgencyLevel == UrgencyUrgent {
		priority = "high"
	}

	message := &messaging.Message{
		Token: n.Recipient,
		Notification: &messaging.Notification{
			Title: n.Content.Subject,
			Body:  n.Content.Message,
		},
		Data: map[string]string{
			"alert_id":        n.AlertID,
			"notification_id": n.ID,
			"level":           strconv.Itoa(n.Level),
			"urgency":         string(n.Content.UrgencyLevel),
			"call_to_action":  n.Content.CallToAction,
		},
		Android: &messaging.AndroidConfig{
			Priority: priority,
			Notification: &messaging.AndroidNotification{
				Sound:     "default",
				ChannelID: "crisis_alerts",
			},
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: n.Content.Subject,
						Body:  n.Content.Message,
					},
					Sound: "default",
				},
			},
		},
	}

	ref, err := c.client.Send(ctx, message)
	if err != nil {
		return "", errors.UpstreamUnavailable("firebase", err)
	}
	return ref, nil
}

// SMTPChannel sends email notifications
type SMTPChannel struct {
	cfg  config.SMTPConfig
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSMTPChannel creates an email channel
func NewSMTPChannel(cfg config.SMTPConfig) *SMTPChannel {
	var d net.Dialer
	return &SMTPChannel{cfg: cfg, dial: d.DialContext}
}

// Send emails the notification to Recipient
func (c *SMTPChannel) Send(ctx context.Context, n *Notification) (string, error) {
	if n.Recipient == "" {
		return "", errors.BadRequest("no email address for email notification")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	msg := emailMessage(c.cfg.From, n)
	if err := c.sendMail(ctx, addr, auth, n.Recipient, msg); err != nil {
		if isTimeout(err) {
			return "", errors.UpstreamTimeout("smtp", err)
		}
		return "", errors.UpstreamUnavailable("smtp", err)
	}
	return "smtp-" + n.ID, nil
}

// sendMail is smtp.SendMail over a connection whose deadline follows ctx
func (c *SMTPChannel) sendMail(ctx context.Context, addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(c.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// headerValue strips line breaks and encodes non-ASCII text so a value
// cannot start a new header
func headerValue(v string) string {
	v = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(v)
	return mime.QEncoding.Encode("utf-8", v)
}

func emailMessage(from string, n *Notification) []byte {
	importance := "normal"
	if n.Content.UrgencyLevel == UrgencyImmediate || n.Content.UrgencyLevel == UrgencyUrgent {
		importance = "high"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(n.Recipient))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(n.Content.Subject))
	fmt.Fprintf(&b, "Importance: %s\r\n", importance)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.Content.Message, "\n", "\r\n"))
	b.WriteString("\r\n\r\n")
	b.WriteString(n.Content.CallToAction)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ConfigureChannels builds one channel per method from the provider
// configuration. Unconfigured providers fall back to a LogChannel.
func ConfigureChannels(ctx context.Context, cfg *config.Config, log *logrus.Entry) map[Method]Channel {
	channels := map[Method]Channel{
		MethodSMS:   NewLogChannel(MethodSMS, log),
		MethodPhone: NewLogChannel(MethodPhone, log),
		MethodEmail: NewLogChannel(MethodEmail, log),
		MethodPush:  NewLogChannel(MethodPush, log),
	}

	if cfg.Twilio.Enabled() {
		channels[MethodSMS] = NewTwilioSMSChannel(cfg.Twilio)
		channels[MethodPhone] = NewTwilioVoiceChannel(cfg.Twilio)
	} else {
		log.Warn("twilio not configured, sms and phone notifications go to the log")
	}

	if cfg.SMTP.Enabled() {
		channels[MethodEmail] = NewSMTPChannel(cfg.SMTP)
	} else {
		log.Warn("smtp not configured, email notifications go to the log")
	}

	if cfg.Firebase.CredentialsFile != "" {
		push, err := NewFirebasePushChannel(ctx, cfg.Firebase)
		if err != nil {
			log.WithError(err).Warn("firebase unavailable, push notifications go to the log")
		} else {
			channels[MethodPush] = push
		}
	}

	return channels
}
