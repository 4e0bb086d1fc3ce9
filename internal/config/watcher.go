package config

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
)

// Watcher observes the config directory and invokes a reload callback when
// descriptor files change. Events are debounced so editors that write in
// multiple syscalls trigger a single reload.
type Watcher struct {
	dir      string
	debounce time.Duration
	onChange func()
}

// NewWatcher creates a watcher for dir. onChange runs on the watcher
// goroutine after the debounce window closes.
func NewWatcher(dir string, onChange func()) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: 500 * time.Millisecond,
		onChange: onChange,
	}
}

// Watch blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("config file changed",
				zap.String("file", filepath.Base(event.Name)),
				zap.String("op", event.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", zap.Error(err))
		case <-timerC:
			timer = nil
			timerC = nil
			w.onChange()
		}
	}
}
