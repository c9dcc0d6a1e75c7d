package detection

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/carecircle/crisis/internal/shared/cache"
)

//go:embed default_rules.yaml
var defaultRules []byte

type rulesDocument struct {
	Keywords []Keyword `yaml:"keywords"`
	Patterns []Pattern `yaml:"patterns"`
}

// FileSource reads rules from a YAML file, or from the built-in defaults
// when no path is set.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the watched file, empty for the built-in rules
func (f *FileSource) Path() string {
	return f.path
}

func (f *FileSource) read() (*rulesDocument, error) {
	data := defaultRules
	if f.path != "" {
		b, err := os.ReadFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rules file: %w", err)
		}
		data = b
	}

	var doc rulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return &doc, nil
}

func (f *FileSource) Keywords(_ context.Context) ([]Keyword, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Keywords, nil
}

func (f *FileSource) Patterns(_ context.Context) ([]Pattern, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.Patterns, nil
}

// PostgresSource reads the crisis_keywords and crisis_patterns tables
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a database-backed source
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (p *PostgresSource) Keywords(ctx context.Context) ([]Keyword, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, word, category, severity, weight, language, exclusions, context
		FROM crisis_keywords
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	var out []Keyword
	for rows.Next() {
		var kw Keyword
		if err := rows.Scan(&kw.ID, &kw.Word, &kw.Category, &kw.Severity, &kw.Weight,
			&kw.Language, &kw.Exclusions, &kw.Context); err != nil {
			return nil, fmt.Errorf("failed to scan keyword: %w", err)
		}
		out = append(out, kw)
	}
	return out, rows.Err()
}

func (p *PostgresSource) Patterns(ctx context.Context) ([]Pattern, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, pattern, category, severity, weight, min_matches, context_window, language
		FROM crisis_patterns
		WHERE active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var pt Pattern
		if err := rows.Scan(&pt.ID, &pt.Name, &pt.Pattern, &pt.Category, &pt.Severity, &pt.Weight,
			&pt.MinMatches, &pt.ContextWindow, &pt.Language); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

const (
	keywordsCacheKey = "rules:keywords"
	patternsCacheKey = "rules:patterns"
)

// CachedSource is a read-through cache over another source. Cache errors
// fall through to the inner source.
type CachedSource struct {
	inner Source
	cache cache.Cache
	ttl   time.Duration
	log   *logrus.Entry
}

// NewCachedSource wraps inner with a cache
func NewCachedSource(inner Source, c cache.Cache, ttl time.Duration, log *logrus.Entry) *CachedSource {
	return &CachedSource{inner: inner, cache: c, ttl: ttl, log: log}
}

func (c *CachedSource) Keywords(ctx context.Context) ([]Keyword, error) {
	var out []Keyword
	if err := c.cache.GetJSON(ctx, keywordsCacheKey, &out); err == nil {
		return out, nil
	} else if err != cache.ErrCacheMiss {
		c.log.WithError(err).Debug("keyword cache read failed")
	}

	out, err := c.inner.Keywords(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, keywordsCacheKey, out, c.ttl); err != nil {
		c.log.WithError(err).Debug("keyword cache write failed")
	}
	return out, nil
}

func (c *CachedSource) Patterns(ctx context.Context) ([]Pattern, error) {
	var out []Pattern
	if err := c.cache.GetJSON(ctx, patternsCacheKey, &out); err == nil {
		return out, nil
	} else if err != cache.ErrCacheMiss {
		c.log.WithError(err).Debug("pattern cache read failed")
	}

	out, err := c.inner.Patterns(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, patternsCacheKey, out, c.ttl); err != nil {
		c.log.WithError(err).Debug("pattern cache write failed")
	}
	return out, nil
}

// Invalidate drops the cached rules so the next load hits the inner source
func (c *CachedSource) Invalidate(ctx context.Context) error {
	return c.cache.Delete(ctx, keywordsCacheKey, patternsCacheKey)
}
