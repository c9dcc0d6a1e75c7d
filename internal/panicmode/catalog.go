package panicmode

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/carecircle/crisis/internal/shared/errors"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type catalogDocument struct {
	Resources []Resource          `yaml:"resources"`
	Exercises []BreathingExercise `yaml:"exercises"`
}

// Catalog holds the read-only resources and breathing exercises
type Catalog struct {
	resources []Resource
	exercises []BreathingExercise
	byID      map[string]Resource
	exByID    map[string]BreathingExercise
}

// DefaultCatalog returns the built-in catalog
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in panic catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog file, or the built-in catalog when path is
// empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read panic catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and checks a YAML catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse panic catalog: %w", err)
	}

	c := &Catalog{
		byID:   make(map[string]Resource, len(doc.Resources)),
		exByID: make(map[string]BreathingExercise, len(doc.Exercises)),
	}
	for _, r := range doc.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resource %q has no id", r.Title)
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate resource id %q", r.ID)
		}
		c.byID[r.ID] = r
		c.resources = append(c.resources, r)
	}
	for _, e := range doc.Exercises {
		if e.ID == "" {
			return nil, fmt.Errorf("exercise %q has no id", e.Name)
		}
		if len(e.phases()) == 0 || e.Duration <= 0 {
			return nil, fmt.Errorf("exercise %q needs at least one phase and a duration", e.ID)
		}
		if _, dup := c.exByID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate exercise id %q", e.ID)
		}
		c.exByID[e.ID] = e
		c.exercises = append(c.exercises, e)
	}

	sort.SliceStable(c.resources, func(i, j int) bool { return c.resources[i].Priority < c.resources[j].Priority })
	return c, nil
}

// Resources returns every resource by priority
func (c *Catalog) Resources() []Resource {
	return append([]Resource(nil), c.resources...)
}

func (c *Catalog) Resource(id string) (Resource, error) {
	r, ok := c.byID[id]
	if !ok {
		return Resource{}, errors.NotFound("resource", id)
	}
	return r, nil
}

func (c *Catalog) Exercises() []BreathingExercise {
	return append([]BreathingExercise(nil), c.exercises...)
}

func (c *Catalog) Exercise(id string) (BreathingExercise, error) {
	e, ok := c.exByID[id]
	if !ok {
		return BreathingExercise{}, errors.NotFound("breathing exercise", id)
	}
	return e, nil
}
