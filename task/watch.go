package task

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"encodeagent/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch nudges s whenever something is created or renamed under its roots.
// Bursts of events are collapsed into one nudge after debounce.
func Watch(ctx context.Context, s *Scheduler, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, root := range s.roots {
		addTree(w, root.Dir)
	}

	var fire <-chan time.Time
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !nudges(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// New batch folders need their own watch.
				addTree(w, ev.Name)
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			logging.Debug("File activity detected, rescanning")
			s.Nudge()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("File watcher error: %v", err)
		}
	}
}

// nudges reports whether ev may mean a new source arrived. Writes to a file
// that is still being copied do not count.
func nudges(ev fsnotify.Event) bool {
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func addTree(w *fsnotify.Watcher, dir string) {
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.Add(p); err != nil {
			logging.Debug("Could not watch %s: %v", p, err)
		}
		return nil
	})
}
