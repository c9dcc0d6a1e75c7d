package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/detection"
	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/events"
)

// Attach subscribes the manager to detections and notification outcomes.
// It returns a function that removes every subscription.
func (m *Manager) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.TypeCrisisDetected, "alert-detection", m.handleDetection),
		bus.Subscribe(events.TypeNotificationSent, "alert-notification-sent", m.handleOutcome),
		bus.Subscribe(events.TypeNotificationFailed, "alert-notification-failed", m.handleOutcome),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// handleDetection raises an alert for high and critical detections. The
// alert is created off the publisher's goroutine.
func (m *Manager) handleDetection(_ context.Context, event events.Event) error {
	result, ok := event.Data.(*detection.Result)
	if !ok || result == nil {
		return nil
	}

	params, ok := paramsFromDetection(result)
	if !ok {
		return nil
	}

	m.goAsync(func() {
		if _, err := m.CreateAlert(context.Background(), params); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"detection_id": result.ID,
				"user_id":      result.UserID,
			}).Error("failed to create alert for detection")
		}
	})
	return nil
}

func paramsFromDetection(r *detection.Result) (CreateParams, bool) {
	var severity Severity
	var title string
	switch r.RiskLevel {
	case detection.SeverityCritical:
		severity, title = SeverityCritical, "Critical crisis risk detected"
	case detection.SeverityHigh:
		severity, title = SeverityHigh, "High crisis risk detected"
	default:
		return CreateParams{}, false
	}

	trigger := map[string]any{
		"detection_id":     r.ID,
		"confidence":       r.Confidence,
		"risk_level":       r.RiskLevel,
		"categories":       r.Categories,
		"escalation_level": r.EscalationLevel,
		"recommendations":  r.Recommendations,
	}
	var userState map[string]any
	if f := r.ContextFactors; f != nil {
		userState = map[string]any{
			"timeOfDay":       f.TimeOfDay,
			"lateNight":       f.LateNight,
			"previousAlerts":  f.PreviousAlerts,
			"recentIncidents": f.RecentIncidents,
		}
	}

	return CreateParams{
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		MessageID:      r.MessageID,
		DetectionID:    r.ID,
		Type:           TypeCrisisDetected,
		Severity:       severity,
		Title:          title,
		Description: fmt.Sprintf("Message flagged with %.0f%% confidence (%s)",
			r.Confidence*100, strings.Join(r.Categories, ", ")),
		Context: Context{
			TriggerData: trigger,
			UserState:   userState,
		},
		ImmediateEscalation: r.RequiresImmediate,
	}, true
}

func (m *Manager) handleOutcome(_ context.Context, event events.Event) error {
	o, ok := event.Data.(notification.Outcome)
	if !ok || o.AlertID == "" {
		return nil
	}
	m.recordOutcome(o)
	return nil
}
