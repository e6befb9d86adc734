package config

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wrangler-bot/wrangler/util/logger"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 500 * time.Millisecond

// Store serves immutable configuration snapshots. Readers call Snapshot and
// hold the returned pointer for the duration of a request; Reload swaps the
// snapshot atomically so in-flight requests keep a consistent view.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	done    chan struct{}
	log     *logger.Logger
}

// NewStore loads the file at path and returns a store serving it.
func NewStore(path string) (*Store, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path: path,
		done: make(chan struct{}),
		log:  logger.NewLogger("ConfigStore"),
	}
	s.current.Store(cfg)
	return s, nil
}

// NewStoreFromConfig wraps an already-built configuration, for tests.
func NewStoreFromConfig(cfg *Config) *Store {
	s := &Store{
		done: make(chan struct{}),
		log:  logger.NewLogger("ConfigStore"),
	}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the current configuration. The returned value is
// immutable; callers must not modify it.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Reload re-reads the configuration file. On parse or validation failure the
// previous snapshot stays in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("store has no backing file")
	}
	cfg, err := LoadConfig(s.path)
	if err != nil {
		s.log.Errorf("reload failed, keeping previous configuration: %v", err)
		return err
	}
	s.current.Store(cfg)
	s.log.Infof("configuration reloaded: %d groups, %d peers", len(cfg.Groups), len(cfg.Horde.Peers))
	return nil
}

// Watch starts watching the backing file and reloads on change, debounced.
// Editors replace files by rename, so the parent directory is watched and
// events are filtered by name.
func (s *Store) Watch() error {
	if s.path == "" {
		return fmt.Errorf("store has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return nil
}

func (s *Store) watchLoop() {
	base := filepath.Base(s.path)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.Reload(); err != nil {
				s.log.Warnf("deferred reload failed: %v", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warnf("watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
