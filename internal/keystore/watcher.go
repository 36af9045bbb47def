package keystore

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher observes a FileStore's backing directory and reports external
// modifications (another process editing or removing credential records) so
// the session manager can reconcile its in-memory state. Events are debounced
// because editors and syncing tools emit bursts of writes per logical change.
type Watcher struct {
	store    *FileStore
	debounce time.Duration
	onChange func()
}

// NewWatcher creates a watcher over store. onChange runs on the watcher
// goroutine after the debounce window closes.
func NewWatcher(store *FileStore, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{store: store, debounce: debounce, onChange: onChange}
}

// Run watches until ctx is cancelled. The base directory must exist before
// Run is called; records written through the store always create it.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if errClose := fsw.Close(); errClose != nil {
			log.WithError(errClose).Warn("keystore: watcher close failed")
		}
	}()

	if err = fsw.Add(w.store.BaseDir()); err != nil {
		return err
	}
	// Service subdirectories carry the actual records.
	entries, _ := filepath.Glob(filepath.Join(w.store.BaseDir(), "*"))
	for _, entry := range entries {
		_ = fsw.Add(entry)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".json") {
				if event.Op.Has(fsnotify.Create) {
					_ = fsw.Add(event.Name)
				}
				continue
			}
			log.Debugf("keystore: change detected: %s %s", event.Op, filepath.Base(event.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("keystore: watch error")
		case <-timerC:
			timer = nil
			timerC = nil
			if w.onChange != nil {
				w.onChange()
			}
		}
	}
}
