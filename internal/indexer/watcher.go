package indexer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the window over which filesystem events for the same
// path are coalesced into a single sync.
const DefaultDebounce = 500 * time.Millisecond

// Watcher observes the repo tree and feeds coalesced change batches to the
// pipeline. A burst of writes to one file produces one sync, not many.
type Watcher struct {
	repoRoot string
	watcher  *fsnotify.Watcher
	walker   *Walker
	debounce time.Duration

	onChange       func([]string)
	onIgnoreChange func()

	mu            sync.Mutex
	pendingEvents map[string]bool
	ignoreChanged bool
	kick          chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over repoRoot using the walker's filters.
func NewWatcher(repoRoot string, walker *Walker, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		repoRoot:      repoRoot,
		watcher:       fsw,
		walker:        walker,
		debounce:      debounce,
		pendingEvents: make(map[string]bool),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// OnChange sets the callback invoked with each debounced batch of changed
// paths, relative to the repo root.
func (w *Watcher) OnChange(callback func([]string)) {
	w.onChange = callback
}

// OnIgnoreChange sets the callback invoked when an ignore file itself
// changes, after the batch callback for the same window.
func (w *Watcher) OnIgnoreChange(callback func()) {
	w.onIgnoreChange = callback
}

// Start registers all non-ignored directories and begins processing events.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.repoRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		relPath, err := filepath.Rel(w.repoRoot, path)
		if err != nil {
			return nil
		}

		if relPath != "." && w.walker.IsIgnored(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				log.Printf("⚠️  Failed to watch %s: %v", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk repo: %w", err)
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	log.Printf("👀 Watching %s for changes", w.repoRoot)
	return nil
}

// Stop shuts the watcher down and waits for its goroutines.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()
	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  Watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.repoRoot, event.Name)
	if err != nil {
		return
	}

	if filepath.Base(relPath) == ".gitignore" {
		w.mu.Lock()
		w.ignoreChanged = true
		w.mu.Unlock()
		w.restartDebounce()
		return
	}

	if w.walker.IsIgnored(relPath) {
		return
	}

	if event.Has(fsnotify.Create) {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				log.Printf("⚠️  Failed to watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	// Deletions pass through unconditionally so stale points get purged;
	// other events only matter for indexable files.
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !w.walker.ShouldIndex(relPath) {
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		w.pendingEvents[relPath] = true
		w.mu.Unlock()
		w.restartDebounce()
	}
}

// restartDebounce pushes the flush out by a full debounce window. The channel
// is buffered so a kick during a flush is not lost.
func (w *Watcher) restartDebounce() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// debounceLoop flushes the pending set once a full quiet period has elapsed
// with no new events; every event restarts the window.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-w.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			w.flush()
		}
	}
}

// flush drains the coalesced event set and fires the callbacks.
func (w *Watcher) flush() {
	w.mu.Lock()
	if len(w.pendingEvents) == 0 && !w.ignoreChanged {
		w.mu.Unlock()
		return
	}

	paths := make([]string, 0, len(w.pendingEvents))
	for path := range w.pendingEvents {
		paths = append(paths, path)
	}
	ignoreChanged := w.ignoreChanged
	w.pendingEvents = make(map[string]bool)
	w.ignoreChanged = false
	w.mu.Unlock()

	sort.Strings(paths)

	if len(paths) > 0 && w.onChange != nil {
		log.Printf("📝 Detected %d changed files", len(paths))
		w.onChange(paths)
	}

	if ignoreChanged && w.onIgnoreChange != nil {
		w.onIgnoreChange()
	}
}
