package alert

import (
	"context"
	"time"
)

// Timing holds average response times in seconds
type Timing struct {
	Alerts                int     `json:"alerts"`
	AvgAcknowledgeSeconds float64 `json:"avg_acknowledge_seconds"`
	AvgResolveSeconds     float64 `json:"avg_resolve_seconds"`
	AvgFirstDispatchSecs  float64 `json:"avg_first_dispatch_seconds"`
}

// Stats summarizes alerts created since a point in time
type Stats struct {
	Since              time.Time           `json:"since"`
	Total              int                 `json:"total"`
	ByType             map[Type]int        `json:"by_type"`
	BySeverity         map[Severity]int    `json:"by_severity"`
	ByStatus           map[Status]int      `json:"by_status"`
	Timing             Timing              `json:"timing"`
	TimingBySeverity   map[Severity]Timing `json:"timing_by_severity"`
	AcknowledgmentRate float64             `json:"acknowledgment_rate"`
	EscalationRate     float64             `json:"escalation_rate"`
	ResolutionRate     float64             `json:"resolution_rate"`
}

type timingAcc struct {
	alerts     int
	ackSum     time.Duration
	ackN       int
	resolveSum time.Duration
	resolveN   int
	dispSum    time.Duration
	dispN      int
}

func (t *timingAcc) add(a *Alert) {
	t.alerts++
	if a.AcknowledgedAt != nil {
		t.ackSum += a.AcknowledgedAt.Sub(a.CreatedAt)
		t.ackN++
	}
	if a.ResolvedAt != nil {
		t.resolveSum += a.ResolvedAt.Sub(a.CreatedAt)
		t.resolveN++
	}
	if a.FirstDispatchAt != nil {
		t.dispSum += a.FirstDispatchAt.Sub(a.CreatedAt)
		t.dispN++
	}
}

func (t *timingAcc) timing() Timing {
	avg := func(sum time.Duration, n int) float64 {
		if n == 0 {
			return 0
		}
		return sum.Seconds() / float64(n)
	}
	return Timing{
		Alerts:                t.alerts,
		AvgAcknowledgeSeconds: avg(t.ackSum, t.ackN),
		AvgResolveSeconds:     avg(t.resolveSum, t.resolveN),
		AvgFirstDispatchSecs:  avg(t.dispSum, t.dispN),
	}
}

// wasEscalated reports whether an alert went past its first level or was
// escalated by hand
func wasEscalated(a *Alert) bool {
	if a.CurrentLevel > 1 || a.Status == StatusEscalated {
		return true
	}
	for _, act := range a.Actions {
		if act.Type == ActionEscalated {
			return true
		}
	}
	return false
}

// Stats computes alert counts, response times and rates for alerts created
// at or after since.
func (m *Manager) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	alerts, _, err := m.repo.List(ctx, ListFilter{Since: since})
	if err != nil {
		return nil, err
	}
	return computeStats(alerts, since), nil
}

func computeStats(alerts []*Alert, since time.Time) *Stats {
	s := &Stats{
		Since:            since,
		Total:            len(alerts),
		ByType:           make(map[Type]int),
		BySeverity:       make(map[Severity]int),
		ByStatus:         make(map[Status]int),
		TimingBySeverity: make(map[Severity]Timing),
	}

	var overall timingAcc
	bySeverity := make(map[Severity]*timingAcc)
	acknowledged, escalated, resolved := 0, 0, 0

	for _, a := range alerts {
		s.ByType[a.Type]++
		s.BySeverity[a.Severity]++
		s.ByStatus[a.Status]++

		overall.add(a)
		acc, ok := bySeverity[a.Severity]
		if !ok {
			acc = &timingAcc{}
			bySeverity[a.Severity] = acc
		}
		acc.add(a)

		if a.AcknowledgedAt != nil {
			acknowledged++
		}
		if wasEscalated(a) {
			escalated++
		}
		if a.Status == StatusResolved {
			resolved++
		}
	}

	s.Timing = overall.timing()
	for sev, acc := range bySeverity {
		s.TimingBySeverity[sev] = acc.timing()
	}
	if s.Total > 0 {
		total := float64(s.Total)
		s.AcknowledgmentRate = float64(acknowledged) / total
		s.EscalationRate = float64(escalated) / total
		s.ResolutionRate = float64(resolved) / total
	}
	return s
}
