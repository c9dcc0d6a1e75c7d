package notification

import (
	"container/heap"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/config"
	"github.com/carecircle/crisis/internal/shared/errors"
	"github.com/carecircle/crisis/internal/shared/events"
	"github.com/carecircle/crisis/internal/shared/metrics"
	"github.com/carecircle/crisis/internal/shared/types"
)

// Channel delivers a notification through one provider and returns the
// provider's reference for it.
type Channel interface {
	Send(ctx context.Context, n *Notification) (string, error)
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity
var ErrQueueFull = &errors.AppError{
	Code:       "QUEUE_FULL",
	Message:    "notification queue is full",
	HTTPStatus: http.StatusServiceUnavailable,
}

const persistTimeout = 2 * time.Second

// Dispatcher queues notifications by severity and delivers them through a
// bounded pool of senders. Failed sends are retried with exponential
// backoff until MaxRetries, after which the notification is terminally
// failed.
type Dispatcher struct {
	cfg       config.NotificationConfig
	channels  map[Method]Channel
	store     Store
	publisher events.Publisher
	log       *logrus.Entry

	mu       sync.Mutex
	queue    priorityQueue
	seq      uint64
	all      map[string]*Notification
	byAlert  map[string][]string
	finished []string
	retries  map[string]*time.Timer
	inFlight int
	stats    Stats

	wake chan struct{}
	sem  chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	stopCh      chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher. store may be nil.
func NewDispatcher(cfg config.NotificationConfig, channels map[Method]Channel, store Store, publisher events.Publisher, log *logrus.Entry) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetainTerminal <= 0 {
		cfg.RetainTerminal = 10000
	}
	if publisher == nil {
		publisher = events.Discard{}
	}

	return &Dispatcher{
		cfg:       cfg,
		channels:  channels,
		store:     store,
		publisher: publisher,
		log:       log,
		all:       make(map[string]*Notification),
		byAlert:   make(map[string][]string),
		retries:   make(map[string]*time.Timer),
		stats:     Stats{ByMethod: make(map[Method]MethodStats)},
		wake:      make(chan struct{}, 1),
		sem:       make(chan struct{}, cfg.Concurrency),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drainer. Sends run under contexts derived from ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))
	d.wg.Add(1)
	go d.drain(ctx)

	d.log.WithFields(logrus.Fields{
		"concurrency": d.cfg.Concurrency,
		"queue_size":  d.cfg.QueueSize,
	}).Info("notification dispatcher started")
}

// Stop halts draining, cancels pending retries and waits for in-flight
// sends. Queued notifications stay pending.
func (d *Dispatcher) Stop() {
	d.lifecycleMu.Lock()
	if d.stopped {
		d.lifecycleMu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)
	d.lifecycleMu.Unlock()

	d.mu.Lock()
	for id, t := range d.retries {
		t.Stop()
		delete(d.retries, id)
	}
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
	d.log.Info("notification dispatcher stopped")
}

// Enqueue accepts n for delivery. It never blocks and only fails when the
// queue is at capacity.
func (d *Dispatcher) Enqueue(n *Notification) error {
	now := time.Now().UTC()
	if n.ID == "" {
		n.ID = types.NewID()
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = d.cfg.MaxRetries
	}
	n.Status = StatusPending
	n.RetryCount = 0
	n.CreatedAt = now
	n.UpdatedAt = now

	d.mu.Lock()
	if d.queue.Len() >= d.cfg.QueueSize {
		d.stats.Rejected++
		d.mu.Unlock()
		return ErrQueueFull
	}
	if _, exists := d.all[n.ID]; exists {
		d.mu.Unlock()
		return errors.Conflict(fmt.Sprintf("notification %s already queued", n.ID))
	}
	stored := n.clone()
	d.all[n.ID] = stored
	d.byAlert[n.AlertID] = append(d.byAlert[n.AlertID], n.ID)
	d.push(stored)
	d.stats.Enqueued++
	depth := d.queue.Len()
	d.mu.Unlock()

	metrics.RecordQueueDepth(depth)
	d.signal()

	d.emit(events.TypeNotificationQueued, n)
	return nil
}

// Get returns a snapshot of a notification
func (d *Dispatcher) Get(ctx context.Context, id string) (*Notification, error) {
	d.mu.Lock()
	n, ok := d.all[id]
	if ok {
		n = n.clone()
	}
	d.mu.Unlock()
	if ok {
		return n, nil
	}

	if d.store != nil {
		return d.store.Get(ctx, id)
	}
	return nil, errors.NotFound("notification", id)
}

// ListByAlert returns snapshots of every notification for an alert.
// Notifications still held in memory take precedence over stored ones.
func (d *Dispatcher) ListByAlert(ctx context.Context, alertID string) ([]*Notification, error) {
	d.mu.Lock()
	ids := d.byAlert[alertID]
	live := make([]*Notification, 0, len(ids))
	for _, id := range ids {
		live = append(live, d.all[id].clone())
	}
	d.mu.Unlock()

	if d.store == nil {
		return live, nil
	}

	stored, err := d.store.ListByAlert(ctx, alertID)
	if err != nil {
		if len(live) > 0 {
			d.log.WithError(err).WithField("alert_id", alertID).Warn("failed to list stored notifications")
			return live, nil
		}
		return nil, err
	}

	merged := make(map[string]*Notification, len(stored)+len(live))
	for _, n := range stored {
		merged[n.ID] = n
	}
	for _, n := range live {
		merged[n.ID] = n
	}
	out := make([]*Notification, 0, len(merged))
	for _, n := range merged {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats returns a snapshot of dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.stats
	s.Queued = d.queue.Len()
	s.InFlight = d.inFlight
	s.WaitingRetry = len(d.retries)
	s.ByMethod = make(map[Method]MethodStats, len(d.stats.ByMethod))
	for k, v := range d.stats.ByMethod {
		s.ByMethod[k] = v
	}
	if done := s.Delivered + s.Failed; done > 0 {
		s.DeliveryRate = float64(s.Delivered) / float64(done)
	}
	return s
}

// push must be called with d.mu held
func (d *Dispatcher) push(n *Notification) {
	d.seq++
	heap.Push(&d.queue, &queued{n: n, rank: severityRank[n.Severity], seq: d.seq})
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drain is the single consumer. It takes a sender slot before popping so
// the highest priority item is chosen at the moment a sender is free.
func (d *Dispatcher) drain(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case d.sem <- struct{}{}:
		case <-d.stopCh:
			return
		}

		n := d.next()
		if n == nil {
			<-d.sem
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.send(ctx, n)
		}()
	}
}

// next blocks until an item is available or the dispatcher stops
func (d *Dispatcher) next() *Notification {
	for {
		d.mu.Lock()
		if d.queue.Len() > 0 {
			item := heap.Pop(&d.queue).(*queued)
			d.inFlight++
			item.n.Status = StatusSent
			item.n.UpdatedAt = time.Now().UTC()
			if item.n.SentAt == nil {
				t := item.n.UpdatedAt
				item.n.SentAt = &t
			}
			depth := d.queue.Len()
			d.mu.Unlock()
			metrics.RecordQueueDepth(depth)
			return item.n
		}
		d.mu.Unlock()

		select {
		case <-d.wake:
		case <-d.stopCh:
			return nil
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, n *Notification) {
	d.mu.Lock()
	snapshot := n.clone()
	d.mu.Unlock()

	channel, ok := d.channels[snapshot.Method]
	if !ok || channel == nil {
		d.finishFailed(n, fmt.Sprintf("no channel configured for method %s", snapshot.Method), true)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	ref, err := channel.Send(sendCtx, snapshot)
	cancel()

	if err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"notification_id": snapshot.ID,
			"alert_id":        snapshot.AlertID,
			"method":          snapshot.Method,
			"retry_count":     snapshot.RetryCount,
		}).Warn("notification send failed")
		d.finishFailed(n, err.Error(), isPermanent(snapshot.Method, err))
		return
	}

	d.mu.Lock()
	now := time.Now().UTC()
	n.Status = StatusDelivered
	n.DeliveredAt = &now
	n.UpdatedAt = now
	n.ProviderRef = ref
	n.LastError = ""
	d.inFlight--
	d.stats.Delivered++
	ms := d.stats.ByMethod[n.Method]
	ms.Delivered++
	d.stats.ByMethod[n.Method] = ms
	done := n.clone()
	d.mu.Unlock()

	metrics.RecordNotification(string(done.Method), string(StatusDelivered))
	d.retire(done.ID, d.persist(done))
	d.emit(events.TypeNotificationSent, done)
}

// finishFailed either schedules a retry or marks n terminally failed
func (d *Dispatcher) finishFailed(n *Notification, reason string, terminal bool) {
	d.mu.Lock()
	d.inFlight--
	n.LastError = reason
	n.UpdatedAt = time.Now().UTC()

	if !terminal && d.isStopped() {
		// Left pending; the persisted record can be picked up on restart.
		n.Status = StatusPending
		snapshot := n.clone()
		d.mu.Unlock()
		d.persist(snapshot)
		return
	}

	if !terminal && n.RetryCount < n.MaxRetries {
		n.RetryCount++
		n.Status = StatusPending
		d.stats.Retries++
		ms := d.stats.ByMethod[n.Method]
		ms.Retries++
		d.stats.ByMethod[n.Method] = ms

		delay := d.backoff(n.RetryCount)
		id := n.ID
		d.retries[id] = time.AfterFunc(delay, func() { d.requeue(id) })
		snapshot := n.clone()
		d.mu.Unlock()

		metrics.RecordNotification(string(snapshot.Method), "retry")
		d.persist(snapshot)
		return
	}

	n.Status = StatusFailed
	d.stats.Failed++
	ms := d.stats.ByMethod[n.Method]
	ms.Failed++
	d.stats.ByMethod[n.Method] = ms
	done := n.clone()
	d.mu.Unlock()

	metrics.RecordNotification(string(done.Method), string(StatusFailed))
	d.log.WithError(errors.RetryExhausted(done.ID, done.RetryCount+1)).WithFields(logrus.Fields{
		"alert_id": done.AlertID,
		"method":   done.Method,
		"reason":   reason,
	}).Error("notification delivery failed")

	d.retire(done.ID, d.persist(done))
	d.emit(events.TypeNotificationFailed, done)
}

func (d *Dispatcher) requeue(id string) {
	d.mu.Lock()
	delete(d.retries, id)
	n, ok := d.all[id]
	if !ok || n.Terminal() || d.isStopped() {
		d.mu.Unlock()
		return
	}
	d.push(n)
	depth := d.queue.Len()
	d.mu.Unlock()

	metrics.RecordQueueDepth(depth)
	d.signal()
}

// isPermanent reports failures that a retry cannot fix, such as a contact
// without an address for the method. A timed-out phone call is not retried
// because the call may already be ringing.
func isPermanent(method Method, err error) bool {
	if method == MethodPhone && errors.Is(err, errors.ErrUpstreamTimeout) {
		return true
	}
	var appErr *errors.AppError
	return errors.As(err, &appErr) && appErr.Code == "BAD_REQUEST"
}

func (d *Dispatcher) isStopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// backoff returns BaseBackoff * 2^(attempt-1), capped at MaxBackoff
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if delay > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return delay
}

// persist reports whether n reached the store
func (d *Dispatcher) persist(n *Notification) bool {
	if d.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := d.store.Save(ctx, n); err != nil {
		d.log.WithError(err).WithField("notification_id", n.ID).Warn("failed to persist notification")
		return false
	}
	return true
}

// retire drops a terminal notification from memory once it is stored.
// Unstored ones are kept up to RetainTerminal, oldest evicted first.
func (d *Dispatcher) retire(id string, stored bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if stored {
		d.evict(id)
		return
	}
	d.finished = append(d.finished, id)
	for len(d.finished) > d.cfg.RetainTerminal {
		d.evict(d.finished[0])
		d.finished = d.finished[1:]
	}
}

// evict must be called with d.mu held
func (d *Dispatcher) evict(id string) {
	n, ok := d.all[id]
	if !ok {
		return
	}
	delete(d.all, id)

	ids := d.byAlert[n.AlertID]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(d.byAlert, n.AlertID)
	} else {
		d.byAlert[n.AlertID] = ids
	}
}

// Held returns the number of notifications kept in memory
func (d *Dispatcher) Held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.all)
}

func (d *Dispatcher) emit(eventType string, n *Notification) {
	outcome := outcomeOf(n)
	if eventType == events.TypeNotificationFailed {
		outcome.Error = errors.RetryExhausted(n.ID, n.RetryCount+1).Error() + ": " + n.LastError
	}
	evt := events.NewEvent(eventType, "notification", outcome).ForUser(n.UserID)
	if err := d.publisher.Publish(context.Background(), evt); err != nil {
		d.log.WithError(err).WithField("event_type", eventType).Debug("failed to publish notification event")
	}
}
