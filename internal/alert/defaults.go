package alert

import (
	"github.com/carecircle/crisis/internal/notification"
)

var (
	urgentMethods  = []notification.Method{notification.MethodPhone, notification.MethodSMS, notification.MethodPush}
	phoneAndSMS    = []notification.Method{notification.MethodPhone, notification.MethodSMS}
	routineMethods = []notification.Method{notification.MethodSMS, notification.MethodPush, notification.MethodEmail}
)

// DefaultProtocols returns the built-in escalation protocols
func DefaultProtocols() []*Protocol {
	return []*Protocol{
		CriticalCrisisProtocol(),
		CrisisProtocol(),
		PanicProtocol(),
		ManualEscalationProtocol(),
		SystemAlertProtocol(),
	}
}

// CriticalCrisisProtocol handles critical and emergency crisis detections
func CriticalCrisisProtocol() *Protocol {
	return &Protocol{
		ID:         "crisis-critical",
		Name:       "Critical Crisis Response",
		Priority:   10,
		AlertTypes: []Type{TypeCrisisDetected},
		Condition:  "severityRank >= 4",
		Levels: []EscalationLevel{
			{ContactLevel: ContactPrimary, TimeoutMinutes: 5, Methods: urgentMethods},
			{ContactLevel: ContactSecondary, TimeoutMinutes: 5, Methods: urgentMethods},
			{ContactLevel: ContactProfessional, TimeoutMinutes: 10, Methods: phoneAndSMS},
			{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 15, Methods: phoneAndSMS},
		},
		Active: true,
	}
}

// CrisisProtocol handles the remaining crisis detections
func CrisisProtocol() *Protocol {
	return &Protocol{
		ID:         "crisis-standard",
		Name:       "Crisis Follow-up",
		Priority:   20,
		AlertTypes: []Type{TypeCrisisDetected},
		Levels: []EscalationLevel{
			{ContactLevel: ContactPrimary, TimeoutMinutes: 15, Methods: routineMethods},
			{ContactLevel: ContactSecondary, TimeoutMinutes: 30, Methods: routineMethods},
			{ContactLevel: ContactProfessional, TimeoutMinutes: 60, Methods: phoneAndSMS},
		},
		Active: true,
	}
}

// PanicProtocol handles panic button presses. Location is passed to every
// level through the notification content.
func PanicProtocol() *Protocol {
	return &Protocol{
		ID:         "panic-button",
		Name:       "Panic Button Response",
		Priority:   10,
		AlertTypes: []Type{TypePanicButton},
		Levels: []EscalationLevel{
			{ContactLevel: ContactPrimary, TimeoutMinutes: 2, Methods: urgentMethods},
			{ContactLevel: ContactSecondary, TimeoutMinutes: 5, Methods: urgentMethods},
			{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 10, Methods: phoneAndSMS},
		},
		Active: true,
	}
}

// ManualEscalationProtocol handles alerts raised by staff
func ManualEscalationProtocol() *Protocol {
	return &Protocol{
		ID:         "manual-escalation",
		Name:       "Manual Escalation",
		Priority:   10,
		AlertTypes: []Type{TypeManualEscalation},
		Levels: []EscalationLevel{
			{ContactLevel: ContactProfessional, TimeoutMinutes: 10, Methods: phoneAndSMS},
			{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 20, Methods: phoneAndSMS},
		},
		Active: true,
	}
}

// SystemAlertProtocol handles alerts raised by the platform itself
func SystemAlertProtocol() *Protocol {
	return &Protocol{
		ID:         "system-alert",
		Name:       "System Alert",
		Priority:   10,
		AlertTypes: []Type{TypeSystemAlert},
		Levels: []EscalationLevel{
			{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 30, Methods: []notification.Method{notification.MethodEmail, notification.MethodPush}},
		},
		Active: true,
	}
}

// FallbackPath is used when no protocol could be resolved
func FallbackPath() []EscalationLevel {
	return copyLevels([]EscalationLevel{
		{ContactLevel: ContactPrimary, TimeoutMinutes: 5, Methods: urgentMethods},
		{ContactLevel: ContactProfessional, TimeoutMinutes: 10, Methods: phoneAndSMS},
		{ContactLevel: ContactCrisisTeam, TimeoutMinutes: 15, Methods: phoneAndSMS},
	})
}
