package panicmode

import (
	"context"
	"sync"
	"time"

	"github.com/carecircle/crisis/internal/shared/cache"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/types"
)

// locationTTL bounds how old a last-known location may be
const locationTTL = 30 * time.Minute

// Locator keeps the last known location each user's device reported
type Locator interface {
	Locate(ctx context.Context, userID string) (*types.Location, error)
	Update(ctx context.Context, userID string, loc types.Location) error
}

// MemoryLocator keeps locations in memory
type MemoryLocator struct {
	mu        sync.RWMutex
	locations map[string]types.Location
	now       func() time.Time
}

// NewMemoryLocator creates an empty locator
func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{
		locations: make(map[string]types.Location),
		now:       time.Now,
	}
}

func (l *MemoryLocator) Locate(ctx context.Context, userID string) (*types.Location, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.UpstreamUnavailable("locator", err)
	}
	l.mu.RLock()
	loc, ok := l.locations[userID]
	l.mu.RUnlock()
	if !ok || l.now().Sub(loc.CapturedAt) > locationTTL {
		return nil, errors.NotFound("location", userID)
	}
	return &loc, nil
}

func (l *MemoryLocator) Update(_ context.Context, userID string, loc types.Location) error {
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = l.now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locations[userID] = loc
	return nil
}

// CacheLocator keeps locations in Redis so every instance sees them
type CacheLocator struct {
	cache cache.Cache
}

// NewCacheLocator creates a locator over c
func NewCacheLocator(c cache.Cache) *CacheLocator {
	return &CacheLocator{cache: c}
}

func locationKey(userID string) string {
	return "location:" + userID
}

func (l *CacheLocator) Locate(ctx context.Context, userID string) (*types.Location, error) {
	var loc types.Location
	if err := l.cache.GetJSON(ctx, locationKey(userID), &loc); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, errors.NotFound("location", userID)
		}
		return nil, errors.UpstreamUnavailable("redis", err)
	}
	return &loc, nil
}

func (l *CacheLocator) Update(ctx context.Context, userID string, loc types.Location) error {
	if loc.CapturedAt.IsZero() {
		loc.CapturedAt = time.Now().UTC()
	}
	if err := l.cache.SetJSON(ctx, locationKey(userID), loc, locationTTL); err != nil {
		return errors.UpstreamUnavailable("redis", err)
	}
	return nil
}
