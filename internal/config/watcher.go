// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher re-reads the configuration file on change and notifies a
// callback with the fresh force-pattern list. Only the force patterns
// are hot-reloadable; every other change needs a restart.
type Watcher struct {
	path     string
	onChange func(forcePatterns []string)
}

// NewWatcher creates a watcher for the given config path.
func NewWatcher(path string, onChange func([]string)) *Watcher {
	return &Watcher{path: path, onChange: onChange}
}

// Run watches until the context is cancelled. Editors often replace the
// file instead of writing in place, so the parent directory is watched
// and events are debounced.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher: %v", err)
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("config reload failed, keeping previous settings: %v", err)
		return
	}
	log.Infof("config reloaded, %d force patterns", len(cfg.Cascade.ForcePatterns))
	if w.onChange != nil {
		w.onChange(cfg.Cascade.ForcePatterns)
	}
}
