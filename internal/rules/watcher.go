package rules

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads a Manager when its rules file changes on disk.
// Editors replace files rather than write in place, so the parent
// directory is watched and events are filtered to the file name.
type Watcher struct {
	watcher *fsnotify.Watcher
	manager *Manager
	file    string
	done    chan struct{}
}

func NewWatcher(manager *Manager) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(manager.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch directory: %w", err)
	}

	w := &Watcher{
		watcher: watcher,
		manager: manager,
		file:    filepath.Base(manager.path),
		done:    make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) watch() {
	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.shouldHandle(event) {
				// Debounce rapid successive writes.
				debounce.Reset(500 * time.Millisecond)
				go w.waitAndReload(debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("rules watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) shouldHandle(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return filepath.Base(event.Name) == w.file
}

func (w *Watcher) waitAndReload(timer *time.Timer) {
	<-timer.C
	if err := w.manager.Reload(); err != nil {
		log.Warn().Err(err).Msg("rules reload failed, keeping previous rules")
	}
}
