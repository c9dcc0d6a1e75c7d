package detection

import (
	"context"
	"time"
)

const defaultListLimit = 50

// Service exposes analysis and detection history
type Service struct {
	engine  *Engine
	results ResultRepository
}

// NewService creates a detection service
func NewService(engine *Engine, results ResultRepository) *Service {
	return &Service{engine: engine, results: results}
}

// Analyze scores a message
func (s *Service) Analyze(ctx context.Context, msg Message) (*Result, error) {
	return s.engine.Analyze(ctx, msg)
}

// Get returns a stored detection result
func (s *Service) Get(ctx context.Context, id string) (*Result, error) {
	return s.results.Get(ctx, id)
}

// ListByUser returns the user's most recent detections
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Result, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	return s.results.ListByUser(ctx, userID, limit)
}

// CountSince counts the user's detections since a point in time. It feeds
// the enricher's recent activity factor.
func (s *Service) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.results.CountSince(ctx, userID, since)
}
