package panicmode

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/types"
)

// EmergencyRequest is what emergency dispatch is told about a user
type EmergencyRequest struct {
	SessionID string
	UserID    string
	Location  *types.Location
}

// EmergencyDispatcher forwards a request for help to emergency services
type EmergencyDispatcher interface {
	Dispatch(ctx context.Context, req EmergencyRequest) (string, error)
}

// CallDispatcher places a voice call to a dispatch number through a
// notification channel, normally Twilio voice.
type CallDispatcher struct {
	channel notification.Channel
	number  string
}

// NewCallDispatcher creates a dispatcher calling number over channel
func NewCallDispatcher(channel notification.Channel, number string) *CallDispatcher {
	return &CallDispatcher{channel: channel, number: number}
}

func (d *CallDispatcher) Dispatch(ctx context.Context, req EmergencyRequest) (string, error) {
	if d.number == "" {
		return "", errors.UpstreamUnavailable("emergency dispatch", fmt.Errorf("no dispatch number configured"))
	}
	ref, err := d.channel.Send(ctx, &notification.Notification{
		ID:        req.SessionID,
		UserID:    req.UserID,
		Method:    notification.MethodPhone,
		Severity:  "emergency",
		Recipient: d.number,
		Content:   dispatchContent(req),
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func dispatchContent(req EmergencyRequest) notification.Content {
	var b strings.Builder
	b.WriteString("A user of the CareCircle crisis service has requested emergency help.")
	if req.Location != nil {
		fmt.Fprintf(&b, "\nLast known location: %s", req.Location.String())
		if req.Location.Address == "" {
			fmt.Fprintf(&b, "\nMap: %s", req.Location.MapsURL())
		}
	} else {
		b.WriteString("\nNo location is available.")
	}
	fmt.Fprintf(&b, "\nReference: %s", req.SessionID)

	return notification.Content{
		Subject:      "EMERGENCY ASSISTANCE REQUEST",
		Message:      b.String(),
		UrgencyLevel: notification.UrgencyImmediate,
		CallToAction: "Dispatch assistance to the location given",
	}
}

// LogDispatcher only logs requests. It stands in when no dispatch line is
// configured.
type LogDispatcher struct {
	log *logrus.Entry
}

func NewLogDispatcher(log *logrus.Entry) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, req EmergencyRequest) (string, error) {
	fields := logrus.Fields{
		"session_id": req.SessionID,
		"user_id":    req.UserID,
	}
	if req.Location != nil {
		fields["location"] = req.Location.String()
	}
	d.log.WithFields(fields).Warn("emergency dispatch requested (log only)")
	return "log-" + req.SessionID, nil
}
