package panicmode

import (
	"context"

	"github.com/carecircle/crisis/internal/detection"
	"github.com/carecircle/crisis/internal/shared/events"
)

// Attach starts a session for users whose detection requires immediate
// intervention. It returns a function that removes the subscription.
func (m *Manager) Attach(bus *events.Bus) func() {
	return bus.Subscribe(events.TypeCrisisDetected, "panic-detection", m.handleDetection)
}

func (m *Manager) handleDetection(_ context.Context, event events.Event) error {
	result, ok := event.Data.(*detection.Result)
	if !ok || result == nil || !result.RequiresImmediate || result.UserID == "" {
		return nil
	}
	if m.lookupLive(result.UserID) != nil {
		return nil
	}

	userID := result.UserID
	m.goAsync(func() {
		if _, err := m.StartPanicMode(context.Background(), userID, TriggerCrisisDetection); err != nil {
			m.log.WithError(err).WithField("user_id", userID).Error("failed to start panic session for detection")
		}
	})
	return nil
}
