package diskd

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"astoria/internal/logging"
)

// rootWatcher asks for a rescan whenever an entry under the mount root is
// created or removed, which is what automounters do around a mount.
type rootWatcher struct {
	root   string
	logger *slog.Logger
	notify func(reason string)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func newRootWatcher(root string, logger *slog.Logger, notify func(reason string)) *rootWatcher {
	return &rootWatcher{
		root:   root,
		logger: logging.NewComponentLogger(logger, "mount-watcher"),
		notify: notify,
	}
}

// Start watches the mount root. A root that cannot be watched is logged and
// left to periodic rescans.
func (w *rootWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.root); err != nil {
		_ = watcher.Close()
		logging.WarnWithContext(w.logger, "cannot watch mount root", "mount_watch_failed",
			logging.String("mount_root", w.root),
			logging.Error(err),
			logging.String(logging.FieldImpact, "mounts are detected on the next rescan"),
		)
		return nil
	}
	w.watcher = watcher
	w.done = make(chan struct{})
	go w.loop(ctx, watcher, w.done)
	w.logger.Debug("watching mount root", logging.String("mount_root", w.root))
	return nil
}

// Stop ends the watch and waits for the loop to exit.
func (w *rootWatcher) Stop() {
	w.mu.Lock()
	watcher, done := w.watcher, w.done
	w.watcher, w.done = nil, nil
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	_ = watcher.Close()
	<-done
}

func (w *rootWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.notify("mount root " + event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("mount root watch error", logging.Error(err))
		}
	}
}
