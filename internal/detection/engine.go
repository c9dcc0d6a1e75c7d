package detection

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/audit"
	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
	"github.com/carecircle/crisis/internal/shared/types"
	"github.com/carecircle/crisis/internal/shared/validate"
)

// Risk thresholds applied to the final confidence
const (
	criticalThreshold = 0.85
	highThreshold     = 0.6
	mediumThreshold   = 0.35
)

// history boost saturates at this many prior alerts and incidents
const historySaturation = 5

// ContextProvider fetches situational context for a user
type ContextProvider interface {
	Enrich(ctx context.Context, userID string) (*ContextFactors, error)
}

// InterventionLogger records raw detections in the audit trail
type InterventionLogger interface {
	LogCrisisEvent(ctx context.Context, event audit.CrisisEvent)
}

// Engine scores messages against the loaded rules. It keeps no per-call
// state, so Analyze may run concurrently.
type Engine struct {
	store     *Store
	context   ContextProvider
	publisher events.Publisher
	logger    InterventionLogger
	results   ResultRepository
	cfg       config.DetectionConfig
	log       *logrus.Entry
	now       func() time.Time
}

// EngineDeps are the engine's collaborators. Context, Logger and Results
// may be nil.
type EngineDeps struct {
	Store     *Store
	Context   ContextProvider
	Publisher events.Publisher
	Logger    InterventionLogger
	Results   ResultRepository
}

// NewEngine creates a detection engine
func NewEngine(cfg config.DetectionConfig, deps EngineDeps, log *logrus.Entry) *Engine {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = defaultLanguage
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	return &Engine{
		store:     deps.Store,
		context:   deps.Context,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		results:   deps.Results,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Analyze scores msg. It returns nil, nil when nothing crosses the
// confidence threshold.
func (e *Engine) Analyze(ctx context.Context, msg Message) (*Result, error) {
	if err := validate.Struct(msg); err != nil {
		return nil, err
	}

	start := time.Now()
	result := e.score(ctx, msg)

	level := "none"
	if result != nil {
		level = string(result.RiskLevel)
	}
	metrics.RecordDetection(level, time.Since(start))

	if result == nil {
		return nil, nil
	}

	e.persist(ctx, result)

	event := events.NewEvent(events.TypeCrisisDetected, "detection", result).
		ForUser(result.UserID)
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.WithError(err).WithField("detection_id", result.ID).Warn("failed to publish detection")
	}

	e.logDetection(ctx, result)

	return result, nil
}

func (e *Engine) score(ctx context.Context, msg Message) *Result {
	lang := msg.Language
	if lang == "" {
		lang = e.cfg.DefaultLanguage
	}

	rules := e.store.Snapshot()
	tokens := tokenize(msg.Content)
	if len(tokens) == 0 {
		return nil
	}
	text := strings.Join(tokens, " ")

	keywords := matchKeywords(rules.keywordsFor(lang), tokens)
	patterns := matchPatterns(rules.patternsFor(lang), text)
	if len(keywords) == 0 && len(patterns) == 0 {
		return nil
	}

	raw := combine(keywords, patterns)
	if raw < e.cfg.ConfidenceThreshold {
		return nil
	}

	confidence := raw
	var factors *ContextFactors
	if e.cfg.ContextAnalysis {
		factors = msg.Context
		if factors == nil && e.context != nil {
			f, err := e.context.Enrich(ctx, msg.UserID)
			if err != nil {
				e.log.WithError(err).WithField("user_id", msg.UserID).Warn("context unavailable, scoring without it")
			} else {
				factors = f
			}
		}
		if factors != nil {
			confidence = math.Min(1, confidence+e.contextBoost(factors))
		}
	}

	risk := levelFor(confidence)
	categories := map[string]bool{}
	for _, m := range append(append([]Match{}, keywords...), patterns...) {
		risk = maxSeverity(risk, m.Severity)
		categories[m.Category] = true
	}

	result := &Result{
		ID:              types.NewID(),
		MessageID:       msg.ID,
		UserID:          msg.UserID,
		ConversationID:  msg.ConversationID,
		Confidence:      round(confidence),
		RawScore:        round(raw),
		RiskLevel:       risk,
		Categories:      sortedKeys(categories),
		ContextFactors:  factors,
		MatchedKeywords: keywords,
		MatchedPatterns: patterns,
		Language:        lang,
		DetectedAt:      e.now().UTC(),
	}

	switch risk {
	case SeverityCritical:
		result.RequiresImmediate = true
		result.EscalationLevel = EscalationCrisisTeam
	case SeverityHigh:
		result.EscalationLevel = EscalationTeamNotify
	default:
		result.EscalationLevel = EscalationNone
	}
	result.Recommendations = recommendations(risk, result.Categories)

	return result
}

// contextBoost is additive: late night hours and prior alerts or incidents
// raise confidence.
func (e *Engine) contextBoost(f *ContextFactors) float64 {
	var timeFactor float64
	switch {
	case f.TimeOfDay >= 0 && f.TimeOfDay < 6:
		timeFactor = 1.0
	case f.TimeOfDay >= 22:
		timeFactor = 0.5
	}

	prior := f.PreviousAlerts + f.RecentIncidents
	if prior > historySaturation {
		prior = historySaturation
	}
	historyFactor := float64(prior) / historySaturation

	return e.cfg.TimeFactorWeight*timeFactor + e.cfg.UserHistoryWeight*historyFactor
}

func (e *Engine) persist(ctx context.Context, result *Result) {
	if e.results == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := e.results.Save(ctx, result); err != nil {
		e.log.WithError(err).WithField("detection_id", result.ID).Error("failed to persist detection result")

		event := events.NewEvent(events.TypeDetectionFailed, "detection", map[string]any{
			"detection_id": result.ID,
			"stage":        "persist",
			"error":        err.Error(),
		}).ForUser(result.UserID)
		if perr := e.publisher.Publish(ctx, event); perr != nil {
			e.log.WithError(perr).Warn("failed to publish detection failure")
		}
	}
}

func (e *Engine) logDetection(ctx context.Context, result *Result) {
	if e.logger == nil {
		return
	}
	e.logger.LogCrisisEvent(context.WithoutCancel(ctx), audit.CrisisEvent{
		Type:         "detection_raw",
		Source:       "detection",
		UserID:       result.UserID,
		ResourceType: "detection",
		ResourceID:   result.ID,
		Severity:     string(result.RiskLevel),
		Data: map[string]any{
			"message_id":       result.MessageID,
			"conversation_id":  result.ConversationID,
			"confidence":       result.Confidence,
			"raw_score":        result.RawScore,
			"categories":       result.Categories,
			"matched_keywords": result.MatchedKeywords,
			"matched_patterns": result.MatchedPatterns,
		},
	})
}

// matchKeywords returns the keywords present in tokens, honouring
// exclusions and context requirements.
func matchKeywords(keywords []compiledKeyword, tokens []string) []Match {
	var out []Match
	for _, kw := range keywords {
		if !containsPhrase(tokens, kw.phrase) {
			continue
		}
		if containsAny(tokens, kw.exclusions) {
			continue
		}
		if len(kw.context) > 0 && !containsAny(tokens, kw.context) {
			continue
		}
		out = append(out, Match{
			RuleID:   kw.ID,
			Term:     kw.Word,
			Category: kw.Category,
			Severity: kw.Severity,
			Weight:   kw.Weight,
		})
	}
	return out
}

// matchPatterns runs each pattern over the normalized text and requires
// MinMatches hits inside ContextWindow tokens.
func matchPatterns(patterns []compiledPattern, text string) []Match {
	var out []Match
	for _, p := range patterns {
		locs := p.re.FindAllStringIndex(text, -1)
		if len(locs) < p.MinMatches {
			continue
		}
		positions := make([]int, len(locs))
		for i, loc := range locs {
			positions[i] = strings.Count(text[:loc[0]], " ")
		}
		if !withinWindow(positions, p.MinMatches, p.ContextWindow) {
			continue
		}
		out = append(out, Match{
			RuleID:   p.ID,
			Term:     p.Name,
			Category: p.Category,
			Severity: p.Severity,
			Weight:   p.Weight,
		})
	}
	return out
}

// withinWindow reports whether need of the sorted token positions fit in a
// window of size tokens. A zero window spans everything.
func withinWindow(positions []int, need, window int) bool {
	if len(positions) < need {
		return false
	}
	if window <= 0 {
		return true
	}
	for i := 0; i+need-1 < len(positions); i++ {
		if positions[i+need-1]-positions[i] < window {
			return true
		}
	}
	return false
}

// combine is a noisy-OR over rule weights, so independent signals
// reinforce each other without exceeding 1.
func combine(groups ...[]Match) float64 {
	miss := 1.0
	for _, g := range groups {
		for _, m := range g {
			w := math.Max(0, math.Min(1, m.Weight))
			miss *= 1 - w
		}
	}
	return math.Min(1, 1-miss)
}

func levelFor(confidence float64) Severity {
	switch {
	case confidence >= criticalThreshold:
		return SeverityCritical
	case confidence >= highThreshold:
		return SeverityHigh
	case confidence >= mediumThreshold:
		return SeverityMedium
	}
	return SeverityLow
}

var levelRecommendations = map[Severity][]string{
	SeverityCritical: {
		"Immediate intervention required",
		"Contact the crisis team now",
		"Do not leave the user alone; confirm their location",
	},
	SeverityHigh: {
		"Notify the care team within the hour",
		"Schedule an urgent check-in",
	},
	SeverityMedium: {
		"Flag conversation for therapist review",
	},
	SeverityLow: {
		"Continue monitoring",
	},
}

var categoryRecommendations = map[string]string{
	"suicide":           "Share suicide and crisis lifeline resources",
	"self_harm":         "Assess for injuries and review the safety plan",
	"severe_depression": "Recommend a mental health evaluation",
	"substance_abuse":   "Screen for substance use and overdose risk",
}

func recommendations(risk Severity, categories []string) []string {
	out := append([]string{}, levelRecommendations[risk]...)
	for _, c := range categories {
		if r, ok := categoryRecommendations[c]; ok {
			out = append(out, r)
		}
	}
	return out
}

// tokenize lower-cases s, drops apostrophes and splits on anything that is
// not a letter or digit.
func tokenize(s string) []string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Fields(mapped)
}

func containsPhrase(tokens, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}

func containsAny(tokens []string, phrases [][]string) bool {
	for _, p := range phrases {
		if containsPhrase(tokens, p) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round(f float64) float64 {
	return math.Round(f*1000) / 1000
}
