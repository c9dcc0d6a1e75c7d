package notification

import (
	"fmt"
	"strings"

	"github.com/carecircle/crisis/internal/shared/types"
)

// ContentParams carries the alert fields that shape a message
type ContentParams struct {
	AlertType   string
	Severity    string
	Title       string
	Description string
	Level       int
	Location    *types.Location
}

var subjectPrefixes = map[string]string{
	"crisis_detected":   "CRISIS ALERT",
	"panic_button":      "PANIC ALERT",
	"manual_escalation": "ESCALATED ALERT",
	"system_alert":      "SYSTEM ALERT",
}

// callsToAction holds the action for urgent (immediate, urgent) and
// routine (normal, low) notifications.
var callsToAction = map[string][2]string{
	"crisis_detected": {
		"Call the person now and stay on the line until they are safe",
		"Reach out to the person today to check on their safety",
	},
	"panic_button": {
		"Call the person immediately; they pressed the panic button",
		"Check in with the person about their panic session",
	},
	"manual_escalation": {
		"Take over this alert now; the previous responder escalated it",
		"Review the escalated alert and follow up",
	},
	"system_alert": {
		"Acknowledge this alert and review it immediately",
		"Review this alert when available",
	},
}

// UrgencyFor maps alert severity to urgency
func UrgencyFor(severity string) Urgency {
	switch severity {
	case "emergency", "critical":
		return UrgencyImmediate
	case "high":
		return UrgencyUrgent
	case "medium":
		return UrgencyNormal
	default:
		return UrgencyLow
	}
}

// BuildContent renders the message for an alert. The output depends only
// on its inputs.
func BuildContent(p ContentParams) Content {
	prefix, ok := subjectPrefixes[p.AlertType]
	if !ok {
		prefix = subjectPrefixes["system_alert"]
	}

	subject := prefix
	if p.Title != "" {
		subject += ": " + p.Title
	}
	if p.Level > 1 {
		subject = fmt.Sprintf("[ESCALATION Level %d] %s", p.Level, subject)
	}

	var b strings.Builder
	if p.Title != "" {
		b.WriteString(p.Title)
		b.WriteString("\n")
	}
	if p.Description != "" {
		b.WriteString(p.Description)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Severity: %s", strings.ToUpper(p.Severity))
	if p.Level > 0 {
		fmt.Fprintf(&b, "\nEscalation level: %d", p.Level)
	}
	if p.Location != nil {
		fmt.Fprintf(&b, "\nLocation: %s\nMap: %s", p.Location.String(), p.Location.MapsURL())
	}

	urgency := UrgencyFor(p.Severity)
	actions, ok := callsToAction[p.AlertType]
	if !ok {
		actions = callsToAction["system_alert"]
	}
	cta := actions[1]
	if urgency == UrgencyImmediate || urgency == UrgencyUrgent {
		cta = actions[0]
	}

	return Content{
		Subject:      subject,
		Message:      b.String(),
		UrgencyLevel: urgency,
		CallToAction: cta,
	}
}
