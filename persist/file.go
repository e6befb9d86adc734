package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wrangler-bot/wrangler/util/logger"
)

// changeDebounce coalesces filesystem event bursts into one notification.
const changeDebounce = 500 * time.Millisecond

// FileProvider stores each category as one JSON file in a directory.
// Writes are atomic (temp file then rename) so readers and the watcher never
// observe a partial file.
type FileProvider struct {
	dir      string
	mu       sync.Mutex
	selfSave map[string]time.Time
	watcher  *fsnotify.Watcher
	done     chan struct{}
	log      *logger.Logger
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider creates the directory if needed and returns a provider
// over it.
func NewFileProvider(dir string) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileProvider{
		dir:      dir,
		selfSave: make(map[string]time.Time),
		done:     make(chan struct{}),
		log:      logger.NewLogger("FileState"),
	}, nil
}

func (p *FileProvider) path(category string) string {
	return filepath.Join(p.dir, category+".json")
}

// Save atomically replaces the category file.
func (p *FileProvider) Save(_ context.Context, category string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tmp, err := os.CreateTemp(p.dir, category+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p.path(category)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	p.selfSave[category] = time.Now()
	return nil
}

// externallyChanged filters out events caused by our own atomic writes so
// only external edits trigger a reload.
func (p *FileProvider) externallyChanged(category string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.selfSave[category]) > 2*changeDebounce
}

// Load reads the category file. A missing file is not an error.
func (p *FileProvider) Load(_ context.Context, category string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path(category))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return data, nil
}

// Watch invokes onChange with the category name whenever a state file is
// modified externally, debounced per category. Temp files from our own
// atomic writes are ignored by suffix.
func (p *FileProvider) Watch(onChange func(category string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", p.dir, err)
	}
	p.watcher = watcher

	go func() {
		pending := make(map[string]*time.Timer)
		var pendingMu sync.Mutex
		for {
			select {
			case <-p.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name := filepath.Base(event.Name)
				if !strings.HasSuffix(name, ".json") {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				category := strings.TrimSuffix(name, ".json")
				if !p.externallyChanged(category) {
					continue
				}
				pendingMu.Lock()
				if timer, ok := pending[category]; ok {
					timer.Reset(changeDebounce)
				} else {
					pending[category] = time.AfterFunc(changeDebounce, func() {
						pendingMu.Lock()
						delete(pending, category)
						pendingMu.Unlock()
						onChange(category)
					})
				}
				pendingMu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.log.Warnf("watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (p *FileProvider) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
