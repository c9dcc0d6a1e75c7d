package notification

import (
	"time"
)

// Method is the delivery channel for a notification
type Method string

const (
	MethodPhone Method = "phone"
	MethodSMS   Method = "sms"
	MethodEmail Method = "email"
	MethodPush  Method = "push"
)

// Status represents notification delivery status
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Urgency is derived from alert severity
type Urgency string

const (
	UrgencyImmediate Urgency = "immediate"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyNormal    Urgency = "normal"
	UrgencyLow       Urgency = "low"
)

// severityRank orders the queue; unknown severities sort last
var severityRank = map[string]int{
	"emergency": 5,
	"critical":  4,
	"high":      3,
	"medium":    2,
	"low":       1,
}

// Content is the rendered message for one recipient
type Content struct {
	Subject      string  `json:"subject"`
	Message      string  `json:"message"`
	UrgencyLevel Urgency `json:"urgency_level"`
	CallToAction string  `json:"call_to_action"`
}

// Notification is one delivery of an alert to one contact over one method
type Notification struct {
	ID        string `json:"id"`
	AlertID   string `json:"alert_id"`
	UserID    string `json:"user_id,omitempty"`
	ContactID string `json:"contact_id"`
	Level     int    `json:"level"`
	Method    Method `json:"method"`
	Severity  string `json:"severity"`
	Recipient string `json:"recipient"`
	Status    Status `json:"status"`

	Content Content `json:"content"`

	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	LastError   string `json:"last_error,omitempty"`
	ProviderRef string `json:"provider_ref,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func (n *Notification) clone() *Notification {
	c := *n
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.DeliveredAt != nil {
		t := *n.DeliveredAt
		c.DeliveredAt = &t
	}
	return &c
}

// Terminal reports whether delivery is finished
func (n *Notification) Terminal() bool {
	return n.Status == StatusDelivered || n.Status == StatusFailed
}

// Outcome is the payload of notification_sent and notification_failed
type Outcome struct {
	NotificationID string     `json:"notification_id"`
	AlertID        string     `json:"alert_id"`
	ContactID      string     `json:"contact_id"`
	Level          int        `json:"level"`
	Method         Method     `json:"method"`
	Severity       string     `json:"severity"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ProviderRef    string     `json:"provider_ref,omitempty"`
	Error          string     `json:"error,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

func outcomeOf(n *Notification) Outcome {
	return Outcome{
		NotificationID: n.ID,
		AlertID:        n.AlertID,
		ContactID:      n.ContactID,
		Level:          n.Level,
		Method:         n.Method,
		Severity:       n.Severity,
		Status:         n.Status,
		RetryCount:     n.RetryCount,
		ProviderRef:    n.ProviderRef,
		Error:          n.LastError,
		SentAt:         n.SentAt,
		DeliveredAt:    n.DeliveredAt,
	}
}

// MethodStats counts outcomes for one method
type MethodStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

// Stats is a snapshot of dispatcher activity
type Stats struct {
	Queued       int                    `json:"queued"`
	InFlight     int                    `json:"in_flight"`
	WaitingRetry int                    `json:"waiting_retry"`
	Enqueued     int64                  `json:"enqueued"`
	Delivered    int64                  `json:"delivered"`
	Failed       int64                  `json:"failed"`
	Retries      int64                  `json:"retries"`
	Rejected     int64                  `json:"rejected"`
	DeliveryRate float64                `json:"delivery_rate"`
	ByMethod     map[Method]MethodStats `json:"by_method"`
}
