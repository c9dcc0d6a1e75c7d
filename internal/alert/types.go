package alert

import (
	"time"

	"github.com/carecircle/crisis/internal/notification"
	"github.com/carecircle/crisis/internal/shared/types"
)

// Type says what raised an alert
type Type string

const (
	TypeCrisisDetected   Type = "crisis_detected"
	TypePanicButton      Type = "panic_button"
	TypeManualEscalation Type = "manual_escalation"
	TypeSystemAlert      Type = "system_alert"
)

// Severity of an alert
type Severity string

const (
	SeverityLow       Severity = "low"
	SeverityMedium    Severity = "medium"
	SeverityHigh      Severity = "high"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityEmergency:
		return 5
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Immediate reports whether escalation skips the grace period
func (s Severity) Immediate() bool {
	return s.Rank() >= SeverityCritical.Rank()
}

// Status of an alert. Resolved is terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
)

// Context carries what was known about the user when the alert was raised
type Context struct {
	Location    *types.Location `json:"location,omitempty"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	UserState   map[string]any  `json:"user_state,omitempty"`
}

// EscalationLevel is one timed step of an alert's escalation path.
// Completed moves from false to true once and never back.
type EscalationLevel struct {
	Level          int                   `json:"level"`
	ContactLevel   ContactLevel          `json:"contact_level,omitempty"`
	ContactIDs     []string              `json:"contact_ids,omitempty"`
	TimeoutMinutes float64               `json:"timeout_minutes"`
	Methods        []notification.Method `json:"methods"`
	Completed      bool                  `json:"completed"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

// NotificationRef tracks one notification sent for an alert
type NotificationRef struct {
	NotificationID string              `json:"notification_id"`
	ContactID      string              `json:"contact_id"`
	Level          int                 `json:"level"`
	Method         notification.Method `json:"method"`
	Status         notification.Status `json:"status"`
	RetryCount     int                 `json:"retry_count"`
	Error          string              `json:"error,omitempty"`
	QueuedAt       time.Time           `json:"queued_at"`
	SentAt         *time.Time          `json:"sent_at,omitempty"`
}

// Action types recorded on an alert
const (
	ActionCreated        = "created"
	ActionLevelStarted   = "level_started"
	ActionLevelCompleted = "level_completed"
	ActionExhausted      = "escalation_exhausted"
	ActionAcknowledged   = "acknowledged"
	ActionEscalated      = "escalated"
	ActionResolved       = "resolved"
	ActionSoftFailure    = "soft_failure"
)

// Action is one entry in an alert's own history
type Action struct {
	Type    string    `json:"type"`
	ActorID string    `json:"actor_id,omitempty"`
	Level   int       `json:"level,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	At      time.Time `json:"at"`
}

// Alert is an emergency alert and its escalation state
type Alert struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	MessageID       string            `json:"message_id,omitempty"`
	DetectionID     string            `json:"detection_id,omitempty"`
	Type            Type              `json:"type"`
	Severity        Severity          `json:"severity"`
	Status          Status            `json:"status"`
	Title           string            `json:"title"`
	Description     string            `json:"description,omitempty"`
	Context         Context           `json:"context"`
	ProtocolID      string            `json:"protocol_id,omitempty"`
	EscalationPath  []EscalationLevel `json:"escalation_path"`
	CurrentLevel    int               `json:"current_level"`
	Exhausted       bool              `json:"exhausted"`
	Notifications   []NotificationRef `json:"notifications"`
	Actions         []Action          `json:"actions"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedBy      string            `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	FirstDispatchAt *time.Time        `json:"first_dispatch_at,omitempty"`
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// level returns the escalation level numbered n, or nil
func (a *Alert) level(n int) *EscalationLevel {
	if n < 1 || n > len(a.EscalationPath) {
		return nil
	}
	return &a.EscalationPath[n-1]
}

// completeLevel marks level n completed. It returns false when the level
// does not exist or was already completed.
func (a *Alert) completeLevel(n int, at time.Time) bool {
	l := a.level(n)
	if l == nil || l.Completed {
		return false
	}
	l.Completed = true
	l.CompletedAt = &at
	return true
}

func (a *Alert) record(action Action) {
	a.Actions = append(a.Actions, action)
	a.UpdatedAt = action.At
	a.Version++
}

func (a *Alert) clone() *Alert {
	c := *a
	c.EscalationPath = make([]EscalationLevel, len(a.EscalationPath))
	for i, l := range a.EscalationPath {
		l.ContactIDs = append([]string(nil), l.ContactIDs...)
		l.Methods = append([]notification.Method(nil), l.Methods...)
		c.EscalationPath[i] = l
	}
	c.Notifications = append([]NotificationRef(nil), a.Notifications...)
	c.Actions = append([]Action(nil), a.Actions...)
	return &c
}

// CreateParams are the inputs to CreateAlert. EscalationPath overrides the
// protocol-defined path.
type CreateParams struct {
	UserID              string            `json:"user_id" validate:"required"`
	ConversationID      string            `json:"conversation_id,omitempty"`
	MessageID           string            `json:"message_id,omitempty"`
	DetectionID         string            `json:"detection_id,omitempty"`
	Type                Type              `json:"type" validate:"required,alert_type"`
	Severity            Severity          `json:"severity" validate:"required,severity"`
	Title               string            `json:"title" validate:"required,max=200"`
	Description         string            `json:"description,omitempty" validate:"max=2000"`
	Context             Context           `json:"context"`
	EscalationPath      []EscalationLevel `json:"escalation_path,omitempty" validate:"dive"`
	ImmediateEscalation bool              `json:"immediate_escalation"`
	ActorID             string            `json:"-"`
}

// ListFilter narrows List
type ListFilter struct {
	UserID   string
	Status   Status
	Severity Severity
	Type     Type
	Since    time.Time
	Limit    int
	Offset   int
}

func (f ListFilter) matches(a *Alert) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
