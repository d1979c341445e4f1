package creds

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchBundle watches the shared upstream credential bundle written by the
// external login flow and invokes onChange after each rewrite. Every live
// session carries cookies derived from that bundle, so a rewrite means they
// all need recreating. Events are debounced since editors and the login flow
// both produce write bursts.
func WatchBundle(ctx context.Context, path string, debounce time.Duration, onChange func(), logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: the login flow replaces the file atomically via
	// rename, which drops a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		fire := func() {
			logger.Info("upstream credential bundle changed, invalidating sessions",
				zap.String("path", target))
			onChange()
		}

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, fire)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("credential bundle watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
