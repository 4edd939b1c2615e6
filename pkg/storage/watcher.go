package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for bursts of filesystem events (editors write + rename).
const watchDebounce = 250 * time.Millisecond

// WatchTriggers watches the trigger definitions directory and invokes reload
// after changes settle. The watcher runs until ctx is cancelled. Reload
// errors are the callback's concern; the watcher only logs its own failures.
func (r *Root) WatchTriggers(ctx context.Context, log *slog.Logger, reload func()) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.TriggersDir()); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
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
				if !strings.HasSuffix(ev.Name, ".json") || strings.HasSuffix(ev.Name, ".tmp") {
					continue
				}
				log.Debug("Trigger definition changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Trigger watcher error", "error", err)
			}
		}
	}()
	return nil
}
