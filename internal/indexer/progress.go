package indexer

import (
	"log"
	"sync"
)

// Status is the pipeline's externally visible run state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusIndexing  Status = "indexing"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Progress is broadcast to listeners after every file and on state changes.
// Transient; never persisted.
type Progress struct {
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	CurrentFile string `json:"currentFile,omitempty"`
	Status      Status `json:"status"`
	Message     string `json:"message,omitempty"`
}

// ProgressFunc receives progress events. A panicking listener is isolated and
// logged; it never takes the pipeline down.
type ProgressFunc func(Progress)

// progressBroadcaster owns the listener registry. Plain mapping of ids to
// callbacks, owned by the pipeline that composes it.
type progressBroadcaster struct {
	mu        sync.Mutex
	listeners map[string]ProgressFunc
}

func newProgressBroadcaster() *progressBroadcaster {
	return &progressBroadcaster{listeners: make(map[string]ProgressFunc)}
}

func (b *progressBroadcaster) subscribe(id string, fn ProgressFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[id] = fn
}

func (b *progressBroadcaster) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

func (b *progressBroadcaster) emit(p Progress) {
	b.mu.Lock()
	fns := make([]ProgressFunc, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.safeCall(fn, p)
	}
}

func (b *progressBroadcaster) safeCall(fn ProgressFunc, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Progress listener panicked: %v", r)
		}
	}()
	fn(p)
}
