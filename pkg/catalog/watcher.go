package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	dxerrors "github.com/ha1tch/discharge/pkg/errors"
	"github.com/ha1tch/discharge/pkg/log"
)

// Event kinds reported by the Watcher.
const (
	EventModified = "modified"
	EventRemoved  = "removed"
)

// Event describes a catalog change picked up by the Watcher.
type Event struct {
	Locator string
	Kind    string
	Catalog *Catalog // nil for EventRemoved
}

// Watcher monitors local catalog files and refreshes the loader's copy when
// they change.
type Watcher struct {
	mu sync.Mutex

	loader *Loader
	logger *log.Logger

	// Absolute file path -> locator as given
	files map[string]string

	fsWatcher *fsnotify.Watcher

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Debouncing: collect events and process in batches
	debounceDelay time.Duration
	pendingEvents map[string]fsnotify.Op

	onReload func(Event)
	onError  func(err error)
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay for batching file events.
// Default is 100ms.
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReload sets a callback for reload events.
func WithOnReload(fn func(Event)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// WithOnError sets a callback for reload failures.
func WithOnError(fn func(err error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// NewWatcher creates a watcher for the given catalog locators. Only local
// files can be watched.
func NewWatcher(loader *Loader, logger *log.Logger, locators []string, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = log.Nop()
	}

	files := make(map[string]string, len(locators))
	for _, loc := range locators {
		path, ok := LocalPath(loc)
		if !ok {
			return nil, dxerrors.Newf(dxerrors.ErrCodeWatchFailed, "cannot watch non-local catalog %s", loc).
				WithOp("catalog.NewWatcher").
				Err()
		}
		files[filepath.Clean(path)] = loc
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, dxerrors.Wrap(err, dxerrors.ErrCodeWatchFailed, "failed to create file watcher").
			WithOp("catalog.NewWatcher").
			Err()
	}

	w := &Watcher{
		loader:        loader,
		logger:        logger,
		files:         files,
		fsWatcher:     fsw,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		debounceDelay: 100 * time.Millisecond,
		pendingEvents: make(map[string]fsnotify.Op),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start begins watching. Reloads run with ctx; processing also ends when
// ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// Watch directories rather than files so atomic saves (write to a
	// temp file, rename over) are seen.
	dirs := make(map[string]bool)
	for path := range w.files {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			w.fsWatcher.Close()
			close(w.doneCh)
			return dxerrors.Wrap(err, dxerrors.ErrCodeWatchFailed, "failed to watch directory").
				WithOp("Watcher.Start").
				WithField("path", dir).
				Err()
		}
		w.logger.Catalog().Debug("watching directory", "path", dir)
	}

	w.logger.Catalog().Info("catalog watcher started", "files", len(w.files))

	go w.processEvents(ctx)

	return nil
}

// Stop stops the watcher and waits for in-flight reloads.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.logger.Catalog().Info("catalog watcher stopped")

	return w.fsWatcher.Close()
}

// Done is closed when event processing has ended.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.doneCh)

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return

		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.track(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounceDelay)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounceDelay)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			w.processPendingEvents(ctx)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Catalog().Error("watcher error", err)
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// track records an event for a watched file; the last operation wins.
func (w *Watcher) track(event fsnotify.Event) bool {
	path := filepath.Clean(event.Name)
	if _, ok := w.files[path]; !ok {
		return false
	}
	w.mu.Lock()
	w.pendingEvents[path] = event.Op
	w.mu.Unlock()
	return true
}

func (w *Watcher) processPendingEvents(ctx context.Context) {
	w.mu.Lock()
	events := w.pendingEvents
	w.pendingEvents = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range events {
		w.processFileEvent(ctx, path, op)
	}
}

func (w *Watcher) processFileEvent(ctx context.Context, path string, op fsnotify.Op) {
	locator := w.files[path]

	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
		// A rename may be the tail of an atomic save.
		if _, err := os.Stat(path); err != nil {
			w.handleFileRemoved(locator)
			return
		}
	}
	w.handleFileChanged(ctx, locator)
}

func (w *Watcher) handleFileChanged(ctx context.Context, locator string) {
	c, err := w.loader.Reload(ctx, locator)
	if err != nil {
		w.logger.Catalog().Error("failed to reload catalog", err, "locator", locator)
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	w.logger.Catalog().Info("catalog reloaded",
		"locator", locator,
		"queries", c.Len(),
	)

	if w.onReload != nil {
		w.onReload(Event{Locator: locator, Kind: EventModified, Catalog: c})
	}
}

func (w *Watcher) handleFileRemoved(locator string) {
	w.loader.Invalidate(locator)

	w.logger.Catalog().Warn("catalog removed", "locator", locator)

	if w.onReload != nil {
		w.onReload(Event{Locator: locator, Kind: EventRemoved})
	}
}
