package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/HyphaGroup/marionette/internal/logger"
)

// Watcher reloads marionette.jsonc when it changes on disk and hands
// the parsed result to a callback. Reload failures keep the previous
// configuration in effect.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(*Config)
	done     chan struct{}
}

// Watch starts watching configPath. The callback runs on the watcher
// goroutine, so it must hand changes off rather than block.
func Watch(configPath string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	// Watch the directory, not the file. Editors that rename-and-replace
	// on save would otherwise orphan a file-level watch.
	if err := fsw.Add(filepath.Dir(configPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(configPath), err)
	}

	w := &Watcher{
		path:     configPath,
		fsw:      fsw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)

	var reloadAt <-chan time.Time
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Debounce: editors fire several events per save.
			reloadAt = time.After(200 * time.Millisecond)
		case <-reloadAt:
			reloadAt = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error("config reload failed, keeping previous: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("config reload invalid, keeping previous: %v", err)
		return
	}
	logger.Info("config reloaded from %s", w.path)
	w.onChange(cfg)
}

// Close stops the watcher and waits for its goroutine to exit
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}
