package detection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/carecircle/crisis/internal/shared/cache"
)

// CountFunc counts a user's records since a point in time. Alert history,
// panic incidents and recent messages are all exposed this way.
type CountFunc func(ctx context.Context, userID string, since time.Time) (int, error)

// EnricherConfig controls lookup windows and timeouts
type EnricherConfig struct {
	Location       *time.Location
	Timeout        time.Duration
	CacheTTL       time.Duration
	AlertWindow    time.Duration
	IncidentWindow time.Duration
	MessageWindow  time.Duration
}

// EnricherDeps are the optional history sources. A nil source contributes
// zero.
type EnricherDeps struct {
	Alerts    CountFunc
	Incidents CountFunc
	Messages  CountFunc
	Cache     cache.Cache
	Now       func() time.Time
}

// Enricher gathers the context factors for a user
type Enricher struct {
	cfg  EnricherConfig
	deps EnricherDeps
	log  *logrus.Entry
}

type history struct {
	PreviousAlerts  int `json:"previous_alerts"`
	RecentIncidents int `json:"recent_incidents"`
	RecentMessages  int `json:"recent_messages"`
}

// NewEnricher creates an enricher
func NewEnricher(cfg EnricherConfig, deps EnricherDeps, log *logrus.Entry) *Enricher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.AlertWindow <= 0 {
		cfg.AlertWindow = 30 * 24 * time.Hour
	}
	if cfg.IncidentWindow <= 0 {
		cfg.IncidentWindow = 7 * 24 * time.Hour
	}
	if cfg.MessageWindow <= 0 {
		cfg.MessageWindow = 24 * time.Hour
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Enricher{cfg: cfg, deps: deps, log: log}
}

// Enrich returns the context factors for userID. Failing sources count as
// zero; only a cancelled context is an error.
func (e *Enricher) Enrich(ctx context.Context, userID string) (*ContextFactors, error) {
	now := e.deps.Now().In(e.cfg.Location)
	hour := now.Hour()

	factors := &ContextFactors{
		TimeOfDay: hour,
		DayOfWeek: now.Weekday().String(),
		LateNight: isLateNight(hour),
	}

	h := e.history(ctx, userID, now)
	factors.PreviousAlerts = h.PreviousAlerts
	factors.RecentIncidents = h.RecentIncidents
	factors.RecentMessages = h.RecentMessages

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return factors, nil
}

func (e *Enricher) history(ctx context.Context, userID string, now time.Time) history {
	key := "context:" + userID

	var h history
	if e.deps.Cache != nil {
		if err := e.deps.Cache.GetJSON(ctx, key, &h); err == nil {
			return h
		}
	}

	var partial atomic.Bool
	count := func(name string, fn CountFunc, window time.Duration, dest *int) func() error {
		return func() error {
			if fn == nil {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
			defer cancel()

			n, err := fn(cctx, userID, now.Add(-window))
			if err != nil {
				e.log.WithError(err).WithFields(logrus.Fields{
					"user_id": userID,
					"source":  name,
				}).Warn("context source unavailable, treating as neutral")
				partial.Store(true)
				return nil
			}
			*dest = n
			return nil
		}
	}

	var alerts, incidents, messages int
	g := new(errgroup.Group)
	g.Go(count("alerts", e.deps.Alerts, e.cfg.AlertWindow, &alerts))
	g.Go(count("incidents", e.deps.Incidents, e.cfg.IncidentWindow, &incidents))
	g.Go(count("messages", e.deps.Messages, e.cfg.MessageWindow, &messages))
	_ = g.Wait()

	h = history{PreviousAlerts: alerts, RecentIncidents: incidents, RecentMessages: messages}

	if !partial.Load() && e.deps.Cache != nil && e.cfg.CacheTTL > 0 {
		if err := e.deps.Cache.SetJSON(ctx, key, h, e.cfg.CacheTTL); err != nil {
			e.log.WithError(err).Debug("context cache write failed")
		}
	}
	return h
}

func isLateNight(hour int) bool {
	return hour < 6 || hour >= 22
}
