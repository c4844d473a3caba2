package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// UpdateCallback is called when the resolved port for the watched project
// changes. ok is false when the record disappeared or became stale.
type UpdateCallback func(port int, ok bool)

// Watcher monitors the discovery directory and re-resolves the watched
// project's record whenever it is written, renamed or removed.
type Watcher struct {
	resolver    *Resolver
	projectPath string
	recordName  string
	callback    UpdateCallback
	logger      *slog.Logger
	debounce    time.Duration

	mu       sync.Mutex
	lastPort int
	lastOK   bool

	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
	done      chan struct{}
}

// NewWatcher creates a watcher for projectPath. initialPort/initialOK describe
// what the caller already resolved, so only real changes are reported.
func NewWatcher(resolver *Resolver, projectPath string, initialPort int, initialOK bool, callback UpdateCallback) *Watcher {
	return &Watcher{
		resolver:    resolver,
		projectPath: projectPath,
		recordName:  filepath.Base(RecordPath(resolver.dir, projectPath)),
		callback:    callback,
		logger:      resolver.logger.With("component", "discovery-watcher"),
		debounce:    debounceInterval,
		lastPort:    initialPort,
		lastOK:      initialOK,
	}
}

// Start begins watching. The discovery directory is created if missing so the
// watch can be installed before the editor publishes its first record.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.resolver.dir, 0o755); err != nil {
		return fmt.Errorf("create discovery dir: %w", err)
	}
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsW.Add(w.resolver.dir); err != nil {
		fsW.Close()
		return fmt.Errorf("watch %s: %w", w.resolver.dir, err)
	}

	w.fsWatcher = fsW
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	go w.watchLoop()
	return nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.fsWatcher == nil {
		return
	}
	close(w.cancel)
	w.fsWatcher.Close()
	<-w.done
	w.fsWatcher = nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer close(w.done)
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.recordName {
				continue
			}

			// Debounce: the editor may write the record in several steps.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.recheck)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("discovery watcher error", "error", err)
		}
	}
}

// recheck re-resolves the record and notifies if the result changed.
func (w *Watcher) recheck() {
	select {
	case <-w.cancel:
		return
	default:
	}

	port, ok := w.resolver.Lookup(w.projectPath)

	w.mu.Lock()
	changed := port != w.lastPort || ok != w.lastOK
	w.lastPort, w.lastOK = port, ok
	w.mu.Unlock()

	if changed && w.callback != nil {
		w.logger.Info("discovery record changed", "port", port, "found", ok)
		w.callback(port, ok)
	}
}
