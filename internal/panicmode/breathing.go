package panicmode

import (
	"context"
	"time"

	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
)

// StartBreathingExercise starts a guided exercise in the user's session,
// replacing one that is already running.
func (m *Manager) StartBreathingExercise(ctx context.Context, userID, exerciseID string) (*Session, error) {
	var (
		target   *live
		run      *breathingRun
		replaced *breathingRun
	)
	s, err := m.mutate(userID, func(l *live) error {
		ex, err := m.catalog.Exercise(exerciseID)
		if err != nil {
			return err
		}
		replaced = l.stopBreathing()
		run = &breathingRun{exercise: ex, stop: make(chan struct{})}
		l.breathing = run
		l.session.ActiveExercise = ex.ID
		target = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replaced != nil {
		m.publish(m.event(events.TypeBreathingExerciseStopped, s, map[string]any{
			"exercise_id": replaced.exercise.ID,
			"reason":      "replaced",
		}))
	}
	m.publish(m.event(events.TypeBreathingExerciseStarted, s, map[string]any{
		"exercise_id":      run.exercise.ID,
		"duration_seconds": run.exercise.Duration,
	}).WithActor(userID, "user"))

	m.goAsync(func() { m.runBreathing(target, s.ID, run) })
	return s, nil
}

// StopBreathingExercise stops the running exercise
func (m *Manager) StopBreathingExercise(ctx context.Context, userID string) (*Session, error) {
	var stopped *breathingRun
	s, err := m.mutate(userID, func(l *live) error {
		stopped = l.stopBreathing()
		if stopped == nil {
			return errors.Conflict("no breathing exercise is running")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publish(m.event(events.TypeBreathingExerciseStopped, s, map[string]any{
		"exercise_id": stopped.exercise.ID,
		"reason":      "stopped",
	}).WithActor(userID, "user"))
	return s, nil
}

// runBreathing walks the exercise's phases, one timer per phase, until
// the total duration has elapsed or the run is stopped. The last phase is
// cut short when it would overrun the duration.
func (m *Manager) runBreathing(l *live, sessionID string, run *breathingRun) {
	ex := run.exercise
	phases := ex.phases()
	elapsed, cycle := 0, 1

	for elapsed < ex.Duration && len(phases) > 0 {
		for _, p := range phases {
			if elapsed >= ex.Duration {
				break
			}
			seconds := min(p.seconds, ex.Duration-elapsed)

			select {
			case <-run.stop:
				return
			default:
			}
			m.publish(events.NewEvent(events.TypeBreathingPhaseUpdate, "panicmode", map[string]any{
				"session_id":      sessionID,
				"exercise_id":     ex.ID,
				"phase":           p.name,
				"cycle":           cycle,
				"phase_seconds":   seconds,
				"elapsed_seconds": elapsed,
			}).ForUser(l.userID).WithCorrelation(sessionID))

			timer := time.NewTimer(time.Duration(seconds) * m.cfg.PhaseUnit)
			select {
			case <-timer.C:
			case <-run.stop:
				timer.Stop()
				return
			}
			elapsed += seconds
		}
		cycle++
	}

	l.mu.Lock()
	if l.breathing != run {
		l.mu.Unlock()
		return
	}
	l.breathing = nil
	l.session.ActiveExercise = ""
	l.session.LastActivityAt = m.now()
	snapshot := l.session.clone()
	l.mu.Unlock()

	m.persist(snapshot)
	m.publish(m.event(events.TypeBreathingExerciseCompleted, snapshot, map[string]any{
		"exercise_id":     ex.ID,
		"cycles":          cycle - 1,
		"elapsed_seconds": elapsed,
	}))
}
