package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
)

const (
	defaultQueueSize     = 1024
	defaultWorkers       = 2
	defaultAppendTimeout = 3 * time.Second
)

// LoggerConfig tunes the background writer
type LoggerConfig struct {
	QueueSize     int
	Workers       int
	AppendTimeout time.Duration
}

// Logger records crisis events without blocking callers. Entries are
// queued and appended by background workers; outcomes are reported on the
// bus as event_logged or log_error.
type Logger struct {
	repo      Repository
	publisher events.Publisher
	cfg       LoggerConfig
	log       *logrus.Entry

	queue chan *Entry
	wg    sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewLogger creates a logger. Call Start before logging.
func NewLogger(repo Repository, publisher events.Publisher, cfg LoggerConfig, log *logrus.Entry) *Logger {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = defaultAppendTimeout
	}
	if publisher == nil {
		publisher = events.Discard{}
	}

	return &Logger{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		queue:     make(chan *Entry, cfg.QueueSize),
	}
}

// Start launches the workers
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.closed {
		return
	}
	l.started = true

	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	l.log.WithField("workers", l.cfg.Workers).Info("intervention logger started")
}

// Stop refuses new events and waits for queued entries to be written
func (l *Logger) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	started := l.started
	l.mu.Unlock()

	if !started {
		// Nothing will drain the queue; report what was dropped.
		for entry := range l.queue {
			l.fail(context.Background(), entry, "logger stopped before start")
		}
		return
	}

	l.wg.Wait()
	l.log.Info("intervention logger stopped")
}

// LogCrisisEvent queues event for appending and returns immediately. A full
// queue or a stopped logger is reported as log_error.
func (l *Logger) LogCrisisEvent(ctx context.Context, event CrisisEvent) {
	entry := NewEntry(event)

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		l.fail(ctx, entry, "intervention logger is stopped")
		return
	}

	select {
	case l.queue <- entry:
		l.mu.RUnlock()
	default:
		l.mu.RUnlock()
		l.fail(ctx, entry, "intervention log queue is full")
	}
}

// Pending returns the number of queued entries
func (l *Logger) Pending() int {
	return len(l.queue)
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for entry := range l.queue {
		l.write(entry)
	}
}

func (l *Logger) write(entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.AppendTimeout)
	defer cancel()

	if err := l.repo.Append(ctx, entry); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{
			"event_type": entry.EventType,
			"entry_id":   entry.ID,
		}).Warn("failed to append intervention log entry")
		l.fail(ctx, entry, err.Error())
		return
	}

	metrics.RecordAuditEntry(true)

	evt := events.NewEvent(events.TypeEventLogged, "audit", map[string]any{
		"entry_id":   entry.ID,
		"sequence":   entry.Sequence,
		"hash":       entry.Hash,
		"event_type": entry.EventType,
	}).ForUser(entry.UserID)
	if err := l.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		l.log.WithError(err).Debug("failed to publish event_logged")
	}
}

// fail reports a dropped or failed entry on the side channel
func (l *Logger) fail(ctx context.Context, entry *Entry, reason string) {
	metrics.RecordAuditEntry(false)

	evt := events.NewEvent(events.TypeLogError, "audit", map[string]any{
		"entry_id":   entry.ID,
		"event_type": entry.EventType,
		"error":      reason,
	}).ForUser(entry.UserID)
	if err := l.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		l.log.WithError(err).Debug("failed to publish log_error")
	}
}
