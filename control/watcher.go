// control/watcher.go
// Author: momentics <momentics@gmail.com>
//
// Config hot-reload: an fsnotify watcher that re-loads the file on change
// and pushes the result through the ConfigStore, firing reload hooks.

package control

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ConfigWatcher re-loads path whenever it changes on disk.
type ConfigWatcher struct {
	path    string
	store   *ConfigStore
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewConfigWatcher starts watching. The parent directory is watched rather
// than the file itself so atomic rename-style rewrites are seen.
func NewConfigWatcher(path string, store *ConfigStore) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "fsnotify")
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, errors.Wrap(err, "watch config dir")
	}

	cw := &ConfigWatcher{path: path, store: store, watcher: w, done: make(chan struct{})}
	go cw.run()
	return cw, nil
}

// Close stops the watcher.
func (cw *ConfigWatcher) Close() {
	cw.watcher.Close()
	<-cw.done
}

func (cw *ConfigWatcher) run() {
	defer close(cw.done)
	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cw.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(cw.path)
			if err != nil {
				// Keep serving with the previous config.
				logrus.Warnf("config reload rejected: %v", err)
				continue
			}
			logrus.Info("config reloaded")
			cw.store.Set(cfg)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("config watcher: %v", err)
		}
	}
}
