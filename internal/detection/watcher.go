package detection

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/carecircle/crisis/internal/shared/events"
)

// RulesWatcher publishes config_updated when the rules file changes. It
// watches the parent directory so editor rename-over saves are seen.
type RulesWatcher struct {
	path      string
	publisher events.Publisher
	debounce  time.Duration
	log       *logrus.Entry

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRulesWatcher creates a watcher for path
func NewRulesWatcher(path string, publisher events.Publisher, log *logrus.Entry) *RulesWatcher {
	return &RulesWatcher{
		path:      filepath.Clean(path),
		publisher: publisher,
		debounce:  500 * time.Millisecond,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start begins watching in the background
func (w *RulesWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: create fsnotify: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("rules watcher: watch %s: %w", dir, err)
	}
	w.fsWatcher = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop terminates the watcher. It is safe to call more than once.
func (w *RulesWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

func (w *RulesWatcher) loop() {
	defer w.wg.Done()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("rules watcher error")

		case <-timerCh:
			timerCh = nil
			w.notify()
		}
	}
}

func (w *RulesWatcher) notify() {
	w.log.WithField("path", w.path).Info("rules file changed")

	event := events.NewEvent(events.TypeConfigUpdated, "detection", map[string]any{
		"source": "rules_file",
		"path":   w.path,
	})
	if err := w.publisher.Publish(context.Background(), event); err != nil {
		w.log.WithError(err).Warn("failed to publish rules change")
	}
}
