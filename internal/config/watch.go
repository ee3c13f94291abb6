package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
)

// Watcher reloads a Config when its file changes on disk.
type Watcher struct {
	config  *Config
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	started   bool
	done      chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a Watcher for the file cfg was loaded from.
func NewWatcher(cfg *Config) (*Watcher, error) {
	path := cfg.Path()
	if path == "" {
		return nil, errors.NotValidf("watching config without a path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating config watcher")
	}
	// Editors replace files on save, so the directory is watched.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, errors.Annotatef(err, "watching %s", filepath.Dir(path))
	}
	return &Watcher{
		config:  cfg,
		path:    filepath.Clean(path),
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// OnChange adds a callback run after every successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start processes file events until Stop is called.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.reload()
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				logger.Warningf("config watcher: %v", err)
			}
		}
	}()
}

func (w *Watcher) reload() {
	if err := w.config.Load(w.path); err != nil {
		logger.Errorf("reloading configuration: %v", err)
		return
	}
	logger.Infof("configuration reloaded from %s", w.path)

	w.mu.Lock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(w.config)
	}
}

// Stop closes the underlying watcher and waits for Start to return.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		err = w.watcher.Close()
		w.mu.Lock()
		started := w.started
		w.mu.Unlock()
		if started {
			<-w.done
		}
	})
	return errors.Trace(err)
}
