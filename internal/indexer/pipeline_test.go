package indexer

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tlagrange/semdex/internal/backoff"
	"github.com/tlagrange/semdex/internal/metadata"
	"github.com/tlagrange/semdex/internal/vectorstore"
)

// fakeProvider counts embed calls and optionally fails or blocks.
type fakeProvider struct {
	mu         sync.Mutex
	calls      int
	dim        int
	failSubstr string        // fail texts containing this substring
	release    chan struct{} // when set, Embed blocks until closed or ctx done
	started    chan struct{} // closed on first Embed call
	startOnce  sync.Once
}

func (p *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.started != nil {
		p.startOnce.Do(func() { close(p.started) })
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.failSubstr != "" && strings.Contains(text, p.failSubstr) {
		return nil, errors.New("embedding backend rejected input")
	}

	dim := p.dim
	if dim == 0 {
		dim = 4
	}
	vec := make([]float32, dim)
	vec[0] = 1
	return vec, nil
}

func (p *fakeProvider) Model() string { return "fake-model" }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeStore records every operation in order.
type fakeStore struct {
	mu          sync.Mutex
	healthyErr  error
	upsertErr   error
	searchHits  []vectorstore.Hit
	searchErr   error
	ops         []string
	upserts     [][]vectorstore.Point
	deletes     []vectorstore.Filter
	collections map[string]int

	// Counts of leading calls that fail with a connection error before the
	// store recovers.
	healthyBlips int
	upsertBlips  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: make(map[string]int)}
}

func transientNetErr(op string) error {
	return &net.OpError{Op: op, Err: errors.New("connection reset by peer")}
}

func (s *fakeStore) Healthy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.healthyBlips > 0 {
		s.healthyBlips--
		return transientNetErr("dial")
	}
	return s.healthyErr
}

func (s *fakeStore) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "ensure")
	s.collections[name] = vectorSize
	return nil
}

func (s *fakeStore) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertBlips > 0 {
		s.upsertBlips--
		return transientNetErr("write")
	}
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.ops = append(s.ops, "upsert")
	s.upserts = append(s.upserts, points)
	return nil
}

func (s *fakeStore) Search(ctx context.Context, collection string, vector []float32, limit int, filter *vectorstore.Filter) ([]vectorstore.Hit, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	if limit < len(s.searchHits) {
		return s.searchHits[:limit], nil
	}
	return s.searchHits, nil
}

func (s *fakeStore) DeleteByFilter(ctx context.Context, collection string, filter vectorstore.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "delete")
	s.deletes = append(s.deletes, filter)
	return nil
}

func (s *fakeStore) totalPoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, batch := range s.upserts {
		n += len(batch)
	}
	return n
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestPipeline(t *testing.T, root string, provider *fakeProvider, store *fakeStore) *Pipeline {
	t.Helper()
	meta, err := metadata.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open metadata: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	return New(provider, store, meta, Config{
		RepoID:     "test-repo",
		RepoRoot:   root,
		Collection: "test-collection",
		Retry:      fastRetryPolicy(),
	})
}

func fastRetryPolicy() backoff.Policy {
	return backoff.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRunIndexesTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, root, "internal/util.go", "package internal\n\nfunc Util() {}\n")
	writeFile(t, root, "README.bin", "not indexable")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	var events []Progress
	p.Subscribe("test", func(pr Progress) { events = append(events, pr) })

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if store.collections["test-collection"] != 4 {
		t.Errorf("expected probed dimension 4, got %d", store.collections["test-collection"])
	}
	if store.totalPoints() != 2 {
		t.Errorf("expected 2 points (one per file), got %d", store.totalPoints())
	}
	for _, batch := range store.upserts {
		for _, pt := range batch {
			if pt.Payload["repoId"] != "test-repo" {
				t.Errorf("missing repoId in payload: %v", pt.Payload)
			}
			if pt.Payload["filePath"] == "" {
				t.Errorf("missing filePath in payload: %v", pt.Payload)
			}
		}
	}

	last := events[len(events)-1]
	if last.Status != StatusCompleted {
		t.Errorf("expected completed terminal status, got %s", last.Status)
	}
	if last.Current != 2 || last.Total != 2 {
		t.Errorf("expected 2/2, got %d/%d", last.Current, last.Total)
	}
	if p.State() != StatusIdle {
		t.Errorf("expected idle after run, got %s", p.State())
	}
}

func TestRunSkipsUnchangedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	firstCalls := provider.callCount()
	firstUpserts := len(store.upserts)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	// One extra call for the dimension probe, nothing per file.
	if got := provider.callCount() - firstCalls; got != 1 {
		t.Errorf("unchanged files must not be embedded, got %d extra calls", got)
	}
	if len(store.upserts) != firstUpserts {
		t.Errorf("unchanged files must not be upserted")
	}
}

func TestRunReindexesChangedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "a.go", "package a\n\nfunc Changed() {}\n")
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Old points are cleared before the new set is written.
	if len(store.deletes) != 1 {
		t.Fatalf("expected 1 delete for the changed file, got %d", len(store.deletes))
	}
	ops := strings.Join(store.ops, ",")
	if !strings.Contains(ops, "delete,upsert") {
		t.Errorf("expected delete before upsert, ops: %s", ops)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	provider := &fakeProvider{
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	<-provider.started
	if err := p.Run(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(provider.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// A finished run frees the slot.
	if err := p.Run(context.Background()); err != nil {
		t.Errorf("expected runnable after completion, got %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	provider := &fakeProvider{
		release: make(chan struct{}),
		started: make(chan struct{}),
	}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	var mu sync.Mutex
	var statuses []Status
	p.Subscribe("test", func(pr Progress) {
		mu.Lock()
		statuses = append(statuses, pr.Status)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	<-provider.started
	p.Cancel()

	// Cancellation is a clean outcome, not an error.
	if err := <-done; err != nil {
		t.Fatalf("cancelled run should return nil, got %v", err)
	}

	mu.Lock()
	terminal := statuses[len(statuses)-1]
	mu.Unlock()
	if terminal != StatusCancelled {
		t.Errorf("expected cancelled terminal status, got %s", terminal)
	}

	// Nothing was committed for the in-flight file.
	if store.totalPoints() != 0 {
		t.Errorf("expected no points committed, got %d", store.totalPoints())
	}
}

func TestRunFailsWhenStoreUnreachable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	store := newFakeStore()
	store.healthyErr = &net.OpError{Op: "dial", Err: errors.New("connection refused")}
	p := newTestPipeline(t, root, &fakeProvider{}, store)

	var terminal Status
	p.Subscribe("test", func(pr Progress) { terminal = pr.Status })

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error when store is unreachable")
	}
	if terminal != StatusError {
		t.Errorf("expected error terminal status, got %s", terminal)
	}
	if p.State() != StatusIdle {
		t.Errorf("expected idle after failed run, got %s", p.State())
	}
}

func TestRunUpsertUnreachableMidRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	store := newFakeStore()
	store.upsertErr = &net.OpError{Op: "write", Err: errors.New("broken pipe")}
	p := newTestPipeline(t, root, &fakeProvider{}, store)

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error when upserts start failing")
	}
}

func TestSoftEmbedFailureIsolatedToFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.go", "package good\n")
	writeFile(t, root, "poison.go", "package poison\n")

	provider := &fakeProvider{failSubstr: "poison"}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("soft failures must not fail the run: %v", err)
	}

	// Only the clean file made it in.
	if store.totalPoints() != 1 {
		t.Fatalf("expected 1 point, got %d", store.totalPoints())
	}
	if store.upserts[0][0].Payload["filePath"] != "good.go" {
		t.Errorf("wrong file indexed: %v", store.upserts[0][0].Payload)
	}

	// The failed file is retried on the next run.
	provider.failSubstr = ""
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.totalPoints() != 2 {
		t.Errorf("expected failed file to be retried, total points %d", store.totalPoints())
	}
}

func TestSyncFilesDeletionPropagates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doomed.go", "package doomed\n")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(filepath.Join(root, "doomed.go")); err != nil {
		t.Fatal(err)
	}
	p.SyncFiles(context.Background(), []string{"doomed.go"})

	if len(store.deletes) != 1 {
		t.Fatalf("expected 1 delete, got %d", len(store.deletes))
	}
	conds := store.deletes[0].Must
	found := false
	for _, c := range conds {
		if c.Key == "filePath" && c.Value == "doomed.go" {
			found = true
		}
	}
	if !found {
		t.Errorf("delete filter does not target the file: %v", conds)
	}
}

func TestSyncFilesIndexesNewFile(t *testing.T) {
	root := t.TempDir()

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "fresh.go", "package fresh\n")
	p.SyncFiles(context.Background(), []string{"fresh.go"})

	if store.totalPoints() != 1 {
		t.Fatalf("expected new file indexed, got %d points", store.totalPoints())
	}

	// Syncing again without changes is a no-op.
	calls := provider.callCount()
	p.SyncFiles(context.Background(), []string{"fresh.go"})
	if provider.callCount() != calls {
		t.Error("unchanged file must not be re-embedded by sync")
	}
}

func TestSyncFilesSkipsNonIndexable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "binary.exe", "junk")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	p.SyncFiles(context.Background(), []string{"binary.exe"})
	if store.totalPoints() != 0 {
		t.Errorf("non-indexable file must be skipped")
	}
}

func TestRunDeterministicPointIDs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	firstID := store.upserts[0][0].ID

	// Touch the file so it re-indexes with identical content plus a change,
	// then revert: same content must map to the same point id.
	writeFile(t, root, "a.go", "package a\n\n// touched\n")
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	writeFile(t, root, "a.go", "package a\n")
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	lastBatch := store.upserts[len(store.upserts)-1]
	if lastBatch[0].ID != firstID {
		t.Errorf("same chunk identity produced different ids: %s vs %s", firstID, lastBatch[0].ID)
	}
}

func TestRunRetriesTransientUpsertFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	store := newFakeStore()
	store.upsertBlips = 1
	p := newTestPipeline(t, root, &fakeProvider{}, store)

	var terminal Status
	p.Subscribe("test", func(pr Progress) { terminal = pr.Status })

	// A single connection reset recovers inside the retry budget and must
	// not abort the run.
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run should survive a transient store blip: %v", err)
	}
	if terminal != StatusCompleted {
		t.Errorf("expected completed, got %s", terminal)
	}
	if store.totalPoints() != 2 {
		t.Errorf("expected both files committed, got %d points", store.totalPoints())
	}
}

func TestRunRetriesTransientHealthFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	store := newFakeStore()
	store.healthyBlips = 1
	p := newTestPipeline(t, root, &fakeProvider{}, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run should survive a transient health-check blip: %v", err)
	}
	if store.totalPoints() != 1 {
		t.Errorf("expected file committed, got %d points", store.totalPoints())
	}
}

func TestRunFailsAfterRetriesExhausted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	store := newFakeStore()
	store.upsertBlips = 100 // never recovers within the budget
	p := newTestPipeline(t, root, &fakeProvider{}, store)

	var terminal Status
	p.Subscribe("test", func(pr Progress) { terminal = pr.Status })

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
	if terminal != StatusError {
		t.Errorf("expected error terminal status, got %s", terminal)
	}
}

func TestRunPrunesVanishedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "stays.go", "package stays\n")
	writeFile(t, root, "vanishes.go", "package vanishes\n")

	provider := &fakeProvider{}
	store := newFakeStore()
	p := newTestPipeline(t, root, provider, store)

	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The file disappears while no watcher is running; the next full pass
	// must clean it up.
	if err := os.Remove(filepath.Join(root, "vanishes.go")); err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(store.deletes) != 1 {
		t.Fatalf("expected 1 delete for the vanished file, got %d", len(store.deletes))
	}
	var target string
	for _, c := range store.deletes[0].Must {
		if c.Key == "filePath" {
			target = c.Value
		}
	}
	if target != "vanishes.go" {
		t.Errorf("pruned the wrong file: %q", target)
	}

	files, err := p.meta.Files(context.Background(), "test-repo")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Path != "stays.go" {
		t.Errorf("expected only stays.go tracked, got %+v", files)
	}
}

func TestRunRecordsRepoState(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	provider := &fakeProvider{}
	store := newFakeStore()

	meta, err := metadata.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { meta.Close() })

	p := New(provider, store, meta, Config{
		RepoID:     "test-repo",
		RepoRoot:   root,
		Collection: "test-collection",
	})

	before := time.Now().UnixMilli()
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	state, err := meta.Get(context.Background(), "test-repo")
	if err != nil {
		t.Fatal(err)
	}
	if state == nil {
		t.Fatal("expected repo state recorded")
	}
	if state.LastHash == "" {
		t.Error("expected a content hash")
	}
	if state.LastIndexed < before {
		t.Error("expected a fresh timestamp")
	}
}
