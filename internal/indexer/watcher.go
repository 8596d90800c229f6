package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"srg/internal/logging"
)

// watchedExtensions are the document types the drop folder accepts.
var watchedExtensions = map[string]bool{
	".pdf": true, ".png": true, ".jpg": true, ".jpeg": true, ".tiff": true, ".txt": true,
}

// DocumentWatcher watches the documents drop directory and hands settled
// files to a handler, typically the ingest path followed by an incremental
// index run. Rapid saves of the same file are debounced.
type DocumentWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	handler     func(ctx context.Context, path string)
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewDocumentWatcher builds a watcher over dir. The handler runs on the
// watcher goroutine; long work should be dispatched by the handler itself.
func NewDocumentWatcher(dir string, handler func(ctx context.Context, path string)) (*DocumentWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DocumentWatcher{
		watcher:     w,
		dir:         dir,
		handler:     handler,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (dw *DocumentWatcher) Start(ctx context.Context) error {
	dw.mu.Lock()
	if dw.running {
		dw.mu.Unlock()
		return nil
	}
	dw.running = true
	dw.mu.Unlock()

	if err := os.MkdirAll(dw.dir, 0755); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("Watcher: failed to create %s: %v", dw.dir, err)
	}
	if err := dw.watcher.Add(dw.dir); err != nil {
		logging.Get(logging.CategoryIndexer).Warn("Watcher: initial watch failed: %v", err)
	} else {
		logging.Indexer("Watching %s for new documents", dw.dir)
	}

	go dw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (dw *DocumentWatcher) Stop() {
	dw.mu.Lock()
	if !dw.running {
		dw.mu.Unlock()
		return
	}
	dw.running = false
	dw.mu.Unlock()

	close(dw.stopCh)
	<-dw.doneCh
	_ = dw.watcher.Close()
}

func (dw *DocumentWatcher) run(ctx context.Context) {
	defer close(dw.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dw.stopCh:
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			dw.handleEvent(event)
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndexer).Error("Watcher error: %v", err)
		case <-ticker.C:
			dw.flush(ctx)
		}
	}
}

func (dw *DocumentWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !watchedExtensions[strings.ToLower(filepath.Ext(event.Name))] {
		return
	}
	dw.mu.Lock()
	dw.debounceMap[event.Name] = time.Now()
	dw.mu.Unlock()
}

// flush hands over files whose last event settled past the debounce window.
func (dw *DocumentWatcher) flush(ctx context.Context) {
	dw.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range dw.debounceMap {
		if now.Sub(at) >= dw.debounceDur {
			settled = append(settled, path)
			delete(dw.debounceMap, path)
		}
	}
	dw.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		logging.IndexerDebug("Watcher: picked up %s", path)
		dw.handler(ctx, path)
	}
}
