package detection

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

const defaultLanguage = "en"

// Source supplies keyword and pattern reference data
type Source interface {
	Keywords(ctx context.Context) ([]Keyword, error)
	Patterns(ctx context.Context) ([]Pattern, error)
}

// invalidator is implemented by caching sources that must be flushed
// before a reload.
type invalidator interface {
	Invalidate(ctx context.Context) error
}

type compiledKeyword struct {
	Keyword
	phrase     []string
	exclusions [][]string
	context    [][]string
}

type compiledPattern struct {
	Pattern
	re *regexp.Regexp
}

// RuleSet is an immutable snapshot of the loaded rules, partitioned by
// language.
type RuleSet struct {
	keywords map[string][]compiledKeyword
	patterns map[string][]compiledPattern
	LoadedAt time.Time
}

func emptyRuleSet() *RuleSet {
	return &RuleSet{
		keywords: map[string][]compiledKeyword{},
		patterns: map[string][]compiledPattern{},
	}
}

func (rs *RuleSet) keywordsFor(lang string) []compiledKeyword {
	return rs.keywords[lang]
}

func (rs *RuleSet) patternsFor(lang string) []compiledPattern {
	return rs.patterns[lang]
}

// Counts returns the number of keywords and patterns across all languages
func (rs *RuleSet) Counts() (keywords, patterns int) {
	for _, k := range rs.keywords {
		keywords += len(k)
	}
	for _, p := range rs.patterns {
		patterns += len(p)
	}
	return keywords, patterns
}

// Languages lists the languages with at least one rule
func (rs *RuleSet) Languages() []string {
	seen := map[string]bool{}
	var out []string
	for lang := range rs.keywords {
		seen[lang] = true
		out = append(out, lang)
	}
	for lang := range rs.patterns {
		if !seen[lang] {
			out = append(out, lang)
		}
	}
	return out
}

// Store holds the current RuleSet. Readers take a snapshot; reloads build a
// new set and swap it in whole.
type Store struct {
	source  Source
	current atomic.Pointer[RuleSet]
	loadMu  sync.Mutex
	log     *logrus.Entry
}

// NewStore creates a store with no rules loaded
func NewStore(source Source, log *logrus.Entry) *Store {
	s := &Store{source: source, log: log}
	s.current.Store(emptyRuleSet())
	return s
}

// Snapshot returns the current rules
func (s *Store) Snapshot() *RuleSet {
	return s.current.Load()
}

// Load fetches keywords and patterns independently. A kind that fails to
// load keeps its previous rules. Load only fails when both kinds fail.
func (s *Store) Load(ctx context.Context) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	prev := s.Snapshot()
	next := &RuleSet{
		keywords: prev.keywords,
		patterns: prev.patterns,
		LoadedAt: time.Now().UTC(),
	}

	keywords, kwErr := s.source.Keywords(ctx)
	if kwErr != nil {
		s.log.WithError(kwErr).Warn("keyword load failed, keeping previous keywords")
	} else {
		next.keywords = compileKeywords(keywords)
	}

	patterns, ptErr := s.source.Patterns(ctx)
	if ptErr != nil {
		s.log.WithError(ptErr).Warn("pattern load failed, keeping previous patterns")
	} else {
		next.patterns = s.compilePatterns(patterns)
	}

	s.current.Store(next)

	k, p := next.Counts()
	metrics.RecordRulesLoaded(k, p)
	s.log.WithFields(logrus.Fields{
		"keywords": k,
		"patterns": p,
	}).Info("crisis rules loaded")

	if kwErr != nil && ptErr != nil {
		return fmt.Errorf("failed to load crisis rules: %w", errors.Join(kwErr, ptErr))
	}
	return nil
}

// RetryLoad keeps calling Load every interval in the background until one
// succeeds or ctx ends. Analysis runs on the rules already held meanwhile.
func (s *Store) RetryLoad(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for attempt := 1; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := s.Load(ctx); err != nil {
				s.log.WithError(err).WithField("attempt", attempt).Warn("crisis rules still unavailable")
				continue
			}
			return
		}
	}()
}

// SubscribeReload reloads the rules whenever config_updated is published
func (s *Store) SubscribeReload(bus *events.Bus) func() {
	return bus.Subscribe(events.TypeConfigUpdated, "detection-rules", func(ctx context.Context, _ events.Event) error {
		if inv, ok := s.source.(invalidator); ok {
			if err := inv.Invalidate(ctx); err != nil {
				s.log.WithError(err).Warn("failed to invalidate cached rules")
			}
		}
		return s.Load(ctx)
	})
}

func compileKeywords(keywords []Keyword) map[string][]compiledKeyword {
	out := make(map[string][]compiledKeyword)
	for _, kw := range keywords {
		phrase := tokenize(kw.Word)
		if len(phrase) == 0 {
			continue
		}
		lang := kw.Language
		if lang == "" {
			lang = defaultLanguage
		}
		kw.Language = lang

		ck := compiledKeyword{Keyword: kw, phrase: phrase}
		for _, ex := range kw.Exclusions {
			if t := tokenize(ex); len(t) > 0 {
				ck.exclusions = append(ck.exclusions, t)
			}
		}
		for _, c := range kw.Context {
			if t := tokenize(c); len(t) > 0 {
				ck.context = append(ck.context, t)
			}
		}
		out[lang] = append(out[lang], ck)
	}
	return out
}

func (s *Store) compilePatterns(patterns []Pattern) map[string][]compiledPattern {
	out := make(map[string][]compiledPattern)
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			s.log.WithError(err).WithField("pattern_id", p.ID).Warn("skipping invalid crisis pattern")
			continue
		}
		if p.MinMatches < 1 {
			p.MinMatches = 1
		}
		if p.Language == "" {
			p.Language = defaultLanguage
		}
		out[p.Language] = append(out[p.Language], compiledPattern{Pattern: p, re: re})
	}
	return out
}
