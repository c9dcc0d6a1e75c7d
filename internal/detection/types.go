package detection

import (
	"time"
)

// Severity is the risk level of a rule or a detection
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
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

func maxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EscalationLevel says who must be told about a detection
type EscalationLevel string

const (
	EscalationNone       EscalationLevel = "none"
	EscalationTeamNotify EscalationLevel = "team_notify"
	EscalationCrisisTeam EscalationLevel = "crisis_team"
)

// Keyword is a risk word or phrase. Exclusions veto a match; when Context
// is set at least one context word must also appear.
type Keyword struct {
	ID         string   `json:"id" yaml:"id"`
	Word       string   `json:"word" yaml:"word"`
	Category   string   `json:"category" yaml:"category"`
	Severity   Severity `json:"severity" yaml:"severity"`
	Weight     float64  `json:"weight" yaml:"weight"`
	Language   string   `json:"language" yaml:"language"`
	Exclusions []string `json:"exclusions,omitempty" yaml:"exclusions"`
	Context    []string `json:"context,omitempty" yaml:"context"`
}

// Pattern is a regular expression that must match MinMatches times within
// ContextWindow tokens. A zero window spans the whole message.
type Pattern struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Pattern       string   `json:"pattern" yaml:"pattern"`
	Category      string   `json:"category" yaml:"category"`
	Severity      Severity `json:"severity" yaml:"severity"`
	Weight        float64  `json:"weight" yaml:"weight"`
	MinMatches    int      `json:"min_matches" yaml:"min_matches"`
	ContextWindow int      `json:"context_window" yaml:"context_window"`
	Language      string   `json:"language" yaml:"language"`
}

// ContextFactors are the situational signals used to adjust confidence
type ContextFactors struct {
	TimeOfDay       int    `json:"time_of_day"`
	DayOfWeek       string `json:"day_of_week,omitempty"`
	PreviousAlerts  int    `json:"previous_alerts"`
	RecentIncidents int    `json:"recent_incidents"`
	RecentMessages  int    `json:"recent_messages"`
	LateNight       bool   `json:"late_night"`
}

// Message is one inbound text to analyze. Context, when supplied, replaces
// the enricher lookup.
type Message struct {
	ID             string          `json:"message_id"`
	Content        string          `json:"content" validate:"required,max=10000"`
	UserID         string          `json:"user_id" validate:"required"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Language       string          `json:"language,omitempty" validate:"omitempty,len=2"`
	Context        *ContextFactors `json:"context,omitempty"`
}

// Match records a rule that fired
type Match struct {
	RuleID   string   `json:"rule_id"`
	Term     string   `json:"term"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Weight   float64  `json:"weight"`
}

// Result is the risk assessment for a message. It is never mutated after
// the engine returns it.
type Result struct {
	ID                string          `json:"id"`
	MessageID         string          `json:"message_id,omitempty"`
	UserID            string          `json:"user_id"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	Confidence        float64         `json:"confidence"`
	RawScore          float64         `json:"raw_score"`
	RiskLevel         Severity        `json:"risk_level"`
	Categories        []string        `json:"categories"`
	ContextFactors    *ContextFactors `json:"context_factors,omitempty"`
	RequiresImmediate bool            `json:"requires_immediate"`
	EscalationLevel   EscalationLevel `json:"escalation_level"`
	Recommendations   []string        `json:"recommendations"`
	MatchedKeywords   []Match         `json:"matched_keywords,omitempty"`
	MatchedPatterns   []Match         `json:"matched_patterns,omitempty"`
	Language          string          `json:"language"`
	DetectedAt        time.Time       `json:"detected_at"`
}
