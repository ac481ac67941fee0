package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tlagrange/semdex/internal/backoff"
	"github.com/tlagrange/semdex/internal/chunker"
	"github.com/tlagrange/semdex/internal/embed"
	"github.com/tlagrange/semdex/internal/metadata"
	"github.com/tlagrange/semdex/internal/vectorstore"
)

// ErrBusy is returned when a full-index run is requested while one is already
// in progress. There is no queueing; the caller retries later.
var ErrBusy = errors.New("indexing already in progress")

// Config configures a Pipeline.
type Config struct {
	RepoID     string
	RepoRoot   string
	Collection string

	// Commit, when known, is recorded in every point payload.
	Commit string

	// Chunk splits file content; defaults to chunker.Default.
	Chunk chunker.Func

	Walker WalkerConfig

	// Retry bounds the backoff applied to store calls; zero value means
	// backoff.DefaultPolicy.
	Retry backoff.Policy

	// Query path defaults.
	SearchLimit int     // default 20
	MinScore    float64 // default 0.4
	MinQueryLen int     // default 3
}

// Pipeline is the indexing orchestrator: it discovers candidate files,
// detects change by content hash, chunks, embeds, and synchronizes the vector
// store, reporting progress and honoring cancellation. At most one full-index
// run is active per instance.
type Pipeline struct {
	repoID     string
	repoRoot   string
	collection string
	commit     string

	provider embed.Provider
	store    vectorstore.Store
	meta     *metadata.Store
	chunk    chunker.Func
	walker   *Walker
	retry    backoff.Policy

	searchLimit int
	minScore    float64
	minQueryLen int

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	state     Status

	progress *progressBroadcaster
}

// New composes a pipeline from its collaborators.
func New(provider embed.Provider, store vectorstore.Store, meta *metadata.Store, cfg Config) *Pipeline {
	if cfg.Chunk == nil {
		cfg.Chunk = chunker.Default
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 20
	}
	if cfg.MinScore == 0 {
		cfg.MinScore = 0.4
	}
	if cfg.MinQueryLen <= 0 {
		cfg.MinQueryLen = 3
	}
	if cfg.Retry == (backoff.Policy{}) {
		cfg.Retry = backoff.DefaultPolicy()
	}

	return &Pipeline{
		repoID:      cfg.RepoID,
		repoRoot:    cfg.RepoRoot,
		collection:  cfg.Collection,
		commit:      cfg.Commit,
		provider:    provider,
		store:       store,
		meta:        meta,
		chunk:       cfg.Chunk,
		walker:      NewWalker(cfg.RepoRoot, cfg.Walker),
		retry:       cfg.Retry,
		searchLimit: cfg.SearchLimit,
		minScore:    cfg.MinScore,
		minQueryLen: cfg.MinQueryLen,
		state:       StatusIdle,
		progress:    newProgressBroadcaster(),
	}
}

// Subscribe registers a progress listener under id, replacing any previous
// listener with the same id.
func (p *Pipeline) Subscribe(id string, fn ProgressFunc) {
	p.progress.subscribe(id, fn)
}

// Unsubscribe removes a progress listener.
func (p *Pipeline) Unsubscribe(id string) {
	p.progress.unsubscribe(id)
}

// State returns the current run state.
func (p *Pipeline) State() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cancel requests cooperative cancellation of the run in progress, if any.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelRun != nil {
		p.cancelRun()
	}
}

// Walker exposes the discovery filters, shared with the sync watcher.
func (p *Pipeline) Walker() *Walker {
	return p.walker
}

// Run performs one full indexing pass. It returns ErrBusy if a run is in
// progress, nil on completion or cancellation (cancellation is a first-class
// terminal state, not an error), and the causing error when the run ends in
// the error state.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancelRun = cancel
	p.state = StatusStarting
	p.mu.Unlock()

	defer func() {
		cancel()
		p.mu.Lock()
		p.running = false
		p.cancelRun = nil
		p.state = StatusIdle
		p.mu.Unlock()
	}()

	err := p.run(runCtx)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// retryStore runs one store operation with bounded backoff. Only
// network-class failures are retried; HTTP-level errors and cancellation pass
// through immediately. An error surviving retries keeps its original class,
// so IsUnreachable still escalates it after exhaustion.
func (p *Pipeline) retryStore(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := backoff.Retry(ctx, p.retry, func(ctx context.Context) (struct{}, error) {
		err := op(ctx)
		if err != nil && !vectorstore.IsUnreachable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	})
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	p.setState(StatusStarting)
	p.progress.emit(Progress{Status: StatusStarting})

	// Validate reachability before any heavy work.
	if err := p.retryStore(ctx, p.store.Healthy); err != nil {
		if errors.Is(err, context.Canceled) {
			return p.cancelled(0, 0, "")
		}
		return p.failed(0, 0, fmt.Errorf("vector store health check failed: %w", err))
	}

	dim := embed.DetectDimension(ctx, p.provider)
	if err := ctx.Err(); err != nil {
		return p.cancelled(0, 0, "")
	}

	ensure := func(ctx context.Context) error {
		return p.store.EnsureCollection(ctx, p.collection, dim)
	}
	if err := p.retryStore(ctx, ensure); err != nil {
		if errors.Is(err, context.Canceled) {
			return p.cancelled(0, 0, "")
		}
		return p.failed(0, 0, fmt.Errorf("ensure collection: %w", err))
	}

	files, err := p.walker.Discover()
	if err != nil {
		return p.failed(0, 0, fmt.Errorf("file discovery: %w", err))
	}

	total := len(files)
	log.Printf("🔍 Indexing %s: %d candidate files", p.repoID, total)
	p.setState(StatusIndexing)
	p.progress.emit(Progress{Total: total, Status: StatusIndexing})

	fileHashes := make(map[string]string, total)
	processed := 0
	lastFile := ""

	for _, relPath := range files {
		if err := ctx.Err(); err != nil {
			return p.cancelled(processed, total, lastFile)
		}

		hash, err := p.indexFile(ctx, relPath)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return p.cancelled(processed, total, lastFile)
			}
			if vectorstore.IsUnreachable(err) {
				// Continuing would silently produce an incomplete index.
				return p.failed(processed, total, fmt.Errorf("vector store unreachable indexing %s: %w", relPath, err))
			}
			log.Printf("⚠️  Failed to index %s: %v", relPath, err)
		}
		if hash != "" {
			fileHashes[relPath] = hash
		}

		processed++
		lastFile = relPath
		p.progress.emit(Progress{
			Current:     processed,
			Total:       total,
			CurrentFile: relPath,
			Status:      StatusIndexing,
		})
	}

	if err := p.pruneVanished(ctx, files); err != nil {
		if errors.Is(err, context.Canceled) {
			return p.cancelled(processed, total, lastFile)
		}
		log.Printf("⚠️  Failed to prune vanished files: %v", err)
	}

	if err := p.meta.Update(ctx, p.repoID, summaryDigest(fileHashes)); err != nil {
		log.Printf("⚠️  Failed to record repo state: %v", err)
	}

	log.Printf("✅ Indexing complete: %d/%d files", processed, total)
	p.setState(StatusCompleted)
	p.progress.emit(Progress{Current: processed, Total: total, Status: StatusCompleted})
	return nil
}

// indexFile runs one iteration of the inner loop: read, hash, compare, chunk,
// embed, upsert, record. It returns the file's content hash when its indexed
// state is accurate after the call, "" when the file was skipped. Returned
// errors are either cancellation or store-unreachable; everything else is a
// soft failure handled in place.
func (p *Pipeline) indexFile(ctx context.Context, relPath string) (string, error) {
	fullPath := filepath.Join(p.repoRoot, relPath)

	info, err := os.Stat(fullPath)
	if err != nil {
		log.Printf("⚠️  Skipping unreadable file %s: %v", relPath, err)
		return "", nil
	}
	size := info.Size()
	mtime := info.ModTime().UnixMilli()

	prev, err := p.meta.GetFile(ctx, p.repoID, relPath)
	if err != nil {
		log.Printf("⚠️  Failed to read stored state for %s: %v", relPath, err)
	}
	if prev != nil && prev.Size == size && prev.MTime == mtime {
		// Stat fast path: the file wasn't touched, skip reading it.
		return prev.Hash, nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		log.Printf("⚠️  Skipping unreadable file %s: %v", relPath, err)
		return "", nil
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if prev != nil && prev.Hash == hash {
		// Touched but unchanged: refresh the stat columns so the fast path
		// works next run. Zero embedding calls, zero upserts.
		if err := p.meta.SetFileHash(ctx, p.repoID, relPath, hash, size, mtime); err != nil {
			log.Printf("⚠️  Failed to refresh state for %s: %v", relPath, err)
		}
		return hash, nil
	}

	chunks := p.chunk(relPath, content)
	points := make([]vectorstore.Point, 0, len(chunks))
	dropped := 0

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vec, err := p.provider.Embed(ctx, c.Content)
		if err != nil {
			if embed.IsCancelled(err) {
				return "", err
			}
			// Soft failure: drop this chunk, keep its siblings.
			log.Printf("⚠️  Dropping chunk %s:%d-%d: %v", relPath, c.LineStart, c.LineEnd, err)
			dropped++
			continue
		}
		points = append(points, vectorstore.Point{
			ID:      c.ID,
			Vector:  vec,
			Payload: p.pointPayload(c),
		})
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	if prev != nil {
		// The file changed; clear its old points so chunks past the new end
		// of the file don't linger.
		clear := func(ctx context.Context) error {
			return p.store.DeleteByFilter(ctx, p.collection, vectorstore.FileFilter(p.repoID, relPath))
		}
		if err := p.retryStore(ctx, clear); err != nil {
			if vectorstore.IsUnreachable(err) || errors.Is(err, context.Canceled) {
				return "", err
			}
			log.Printf("⚠️  Failed to clear stale points for %s: %v", relPath, err)
		}
	}

	if len(points) > 0 {
		upsert := func(ctx context.Context) error {
			return p.store.Upsert(ctx, p.collection, points)
		}
		if err := p.retryStore(ctx, upsert); err != nil {
			if vectorstore.IsUnreachable(err) || errors.Is(err, context.Canceled) {
				return "", err
			}
			log.Printf("❌ Failed to upsert %d points for %s: %v", len(points), relPath, err)
			return "", nil
		}
	}

	if dropped > 0 {
		// Leaving the hash unrecorded makes the next run retry the whole
		// file, picking up the chunks that failed this time.
		log.Printf("⚠️  Indexed %s with %d dropped chunks, will retry next run", relPath, dropped)
		return "", nil
	}

	// The hash is recorded only after the file's points are durable, so a
	// crash or cancellation in between forces a clean re-index of this file.
	if err := p.meta.SetFileHash(ctx, p.repoID, relPath, hash, size, mtime); err != nil {
		log.Printf("⚠️  Failed to record hash for %s: %v", relPath, err)
		return "", nil
	}
	return hash, nil
}

func (p *Pipeline) pointPayload(c chunker.Chunk) map[string]any {
	return map[string]any{
		"filePath":  c.FilePath,
		"content":   c.Content,
		"lineStart": c.LineStart,
		"lineEnd":   c.LineEnd,
		"repoId":    p.repoID,
		"commit":    p.commit,
		"type":      "code",
	}
}

// SyncFiles processes coalesced watcher events: deletions propagate to the
// vector store and metadata, surviving modifications run one iteration of the
// indexing inner loop each.
func (p *Pipeline) SyncFiles(ctx context.Context, paths []string) {
	for _, relPath := range paths {
		if err := ctx.Err(); err != nil {
			return
		}

		fullPath := filepath.Join(p.repoRoot, relPath)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			p.removeFile(ctx, relPath)
			continue
		}

		if !p.walker.ShouldIndex(relPath) {
			continue
		}
		if _, err := p.indexFile(ctx, relPath); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("⚠️  Incremental sync failed for %s: %v", relPath, err)
		}
	}
}

// pruneVanished removes points and metadata for tracked files that are no
// longer on disk. Covers deletions that happened while no watcher was
// running; the incremental path handles live deletions.
func (p *Pipeline) pruneVanished(ctx context.Context, discovered []string) error {
	current := make(map[string]bool, len(discovered))
	for _, path := range discovered {
		current[path] = true
	}

	tracked, err := p.meta.Files(ctx, p.repoID)
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}
	for _, f := range tracked {
		if err := ctx.Err(); err != nil {
			return err
		}
		if current[f.Path] {
			continue
		}
		if _, err := os.Stat(filepath.Join(p.repoRoot, f.Path)); os.IsNotExist(err) {
			p.removeFile(ctx, f.Path)
		}
	}
	return nil
}

// removeFile purges a deleted file's points and metadata row so stale points
// don't pollute future search results.
func (p *Pipeline) removeFile(ctx context.Context, relPath string) {
	purge := func(ctx context.Context) error {
		return p.store.DeleteByFilter(ctx, p.collection, vectorstore.FileFilter(p.repoID, relPath))
	}
	if err := p.retryStore(ctx, purge); err != nil {
		log.Printf("⚠️  Failed to delete points for removed file %s: %v", relPath, err)
		return
	}
	if err := p.meta.DeleteFile(ctx, p.repoID, relPath); err != nil {
		log.Printf("⚠️  Failed to delete metadata for removed file %s: %v", relPath, err)
	}
	log.Printf("🗑️  Removed index entries for %s", relPath)
}

// ResyncAfterIgnoreChange reloads ignore patterns, runs a full re-index, then
// purges points for previously indexed files that are now ignored.
func (p *Pipeline) ResyncAfterIgnoreChange(ctx context.Context) error {
	log.Println("📝 Ignore patterns changed, re-indexing")
	p.walker.ReloadIgnores()

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, ErrBusy) {
			log.Println("⚠️  Skipping ignore-change re-index: a run is in progress")
			return err
		}
		return err
	}

	files, err := p.meta.Files(ctx, p.repoID)
	if err != nil {
		return fmt.Errorf("list indexed files: %w", err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.walker.IsIgnored(f.Path) || !p.walker.ShouldIndex(f.Path) {
			p.removeFile(ctx, f.Path)
		}
	}
	return nil
}

func (p *Pipeline) setState(s Status) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) cancelled(processed, total int, lastFile string) error {
	log.Printf("🛑 Indexing cancelled after %d/%d files", processed, total)
	p.setState(StatusCancelled)
	p.progress.emit(Progress{
		Current:     processed,
		Total:       total,
		CurrentFile: lastFile,
		Status:      StatusCancelled,
	})
	return context.Canceled
}

func (p *Pipeline) failed(processed, total int, err error) error {
	log.Printf("❌ Indexing failed after %d/%d files: %v", processed, total, err)
	p.setState(StatusError)
	p.progress.emit(Progress{
		Current: processed,
		Total:   total,
		Status:  StatusError,
		Message: err.Error(),
	})
	return err
}

// summaryDigest condenses the run's per-file hashes into the repo-level hash
// recorded for staleness display.
func summaryDigest(fileHashes map[string]string) string {
	paths := make([]string, 0, len(fileHashes))
	for path := range fileHashes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		h.Write([]byte(path))
		h.Write([]byte{0})
		h.Write([]byte(fileHashes[path]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
