package panicmode

import (
	"time"

	"github.com/carecircle/crisis/internal/shared/types"
)

// TriggerSource says what started a panic session
type TriggerSource string

const (
	TriggerManual          TriggerSource = "manual"
	TriggerCrisisDetection TriggerSource = "crisis_detection"
)

func (t TriggerSource) valid() bool {
	return t == TriggerManual || t == TriggerCrisisDetection
}

// Status of a panic session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// ResourceAccess records one use of a catalog resource during a session
type ResourceAccess struct {
	ResourceID string    `json:"resource_id"`
	AccessedAt time.Time `json:"accessed_at"`
	Completed  bool      `json:"completed"`
	Helpful    *bool     `json:"helpful,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
}

// Session is a user's panic mode session. At most one is active per user.
type Session struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	TriggerSource      TriggerSource    `json:"trigger_source"`
	Status             Status           `json:"status"`
	Location           *types.Location  `json:"location,omitempty"`
	ResourcesAccessed  []ResourceAccess `json:"resources_accessed"`
	EmergencyContacted bool             `json:"emergency_contacted"`
	FollowUpRequired   bool             `json:"follow_up_required"`
	ActiveExercise     string           `json:"active_exercise,omitempty"`
	AlertID            string           `json:"alert_id,omitempty"`
	Notes              string           `json:"notes,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	LastActivityAt     time.Time        `json:"last_activity_at"`
	EndedAt            *time.Time       `json:"ended_at,omitempty"`
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Location != nil {
		loc := *s.Location
		cp.Location = &loc
	}
	cp.ResourcesAccessed = make([]ResourceAccess, len(s.ResourcesAccessed))
	for i, ra := range s.ResourcesAccessed {
		cp.ResourcesAccessed[i] = ra
		if ra.Helpful != nil {
			h := *ra.Helpful
			cp.ResourcesAccessed[i].Helpful = &h
		}
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// needsFollowUp reports whether someone should check on the user after
// the session: emergency services were called, the session came from a
// detection, or a resource was rated unhelpful.
func (s *Session) needsFollowUp() bool {
	if s.EmergencyContacted || s.TriggerSource == TriggerCrisisDetection {
		return true
	}
	for _, ra := range s.ResourcesAccessed {
		if ra.Helpful != nil && !*ra.Helpful {
			return true
		}
	}
	return false
}

// ResourceType classifies catalog resources
type ResourceType string

const (
	ResourceHotline   ResourceType = "hotline"
	ResourceService   ResourceType = "service"
	ResourceTechnique ResourceType = "technique"
	ResourceGrounding ResourceType = "grounding"
)

// Resource is a static support resource offered during a session
type Resource struct {
	ID          string       `json:"id" yaml:"id"`
	Type        ResourceType `json:"type" yaml:"type"`
	Title       string       `json:"title" yaml:"title"`
	Description string       `json:"description" yaml:"description"`
	Phone       string       `json:"phone,omitempty" yaml:"phone"`
	URL         string       `json:"url,omitempty" yaml:"url"`
	Available   string       `json:"available,omitempty" yaml:"available"`
	Languages   []string     `json:"languages,omitempty" yaml:"languages"`
	Priority    int          `json:"priority" yaml:"priority"`
}

// BreathingExercise is a guided breathing pattern. Phase lengths and the
// total duration are in seconds.
type BreathingExercise struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Inhale      int    `json:"inhale" yaml:"inhale"`
	Hold        int    `json:"hold" yaml:"hold"`
	Exhale      int    `json:"exhale" yaml:"exhale"`
	Pause       int    `json:"pause" yaml:"pause"`
	Duration    int    `json:"duration" yaml:"duration"`
}

// Breathing phases
const (
	PhaseInhale = "inhale"
	PhaseHold   = "hold"
	PhaseExhale = "exhale"
	PhasePause  = "pause"
)

type phase struct {
	name    string
	seconds int
}

// phases returns the exercise's cycle without zero-length phases
func (e *BreathingExercise) phases() []phase {
	var out []phase
	for _, p := range []phase{
		{PhaseInhale, e.Inhale},
		{PhaseHold, e.Hold},
		{PhaseExhale, e.Exhale},
		{PhasePause, e.Pause},
	} {
		if p.seconds > 0 {
			out = append(out, p)
		}
	}
	return out
}
