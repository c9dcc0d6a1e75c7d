package events

// Detection
const (
	TypeCrisisDetected  = "crisis_detected"
	TypeDetectionFailed = "detection_failed"
)

// Alerts and escalation
const (
	TypeAlertCreated             = "alert_created"
	TypeAlertAcknowledged        = "alert_acknowledged"
	TypeAlertEscalated           = "alert_escalated"
	TypeAlertResolved            = "alert_resolved"
	TypeAlertSoftFailure         = "alert_soft_failure"
	TypeEscalationLevelStarted   = "escalation_level_started"
	TypeEscalationLevelCompleted = "escalation_level_completed"
	TypeEscalationExhausted      = "escalation_exhausted"
)

// Notifications
const (
	TypeNotificationQueued = "notification_queued"
	TypeNotificationSent   = "notification_sent"
	TypeNotificationFailed = "notification_failed"
)

// Panic sessions
const (
	TypePanicStarted               = "panic_started"
	TypePanicEnded                 = "panic_ended"
	TypePanicAbandoned             = "panic_abandoned"
	TypePanicLocationUpdated       = "panic_location_updated"
	TypeResourceAccessed           = "resource_accessed"
	TypeResourceRated              = "resource_rated"
	TypeEmergencyContacted         = "emergency_contacted"
	TypeBreathingExerciseStarted   = "breathing_exercise_started"
	TypeBreathingPhaseUpdate       = "breathing_phase_update"
	TypeBreathingExerciseCompleted = "breathing_exercise_completed"
	TypeBreathingExerciseStopped   = "breathing_exercise_stopped"
)

// Intervention log and configuration
const (
	TypeEventLogged   = "event_logged"
	TypeLogError      = "log_error"
	TypeConfigUpdated = "config_updated"
)
