package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RepoState is the per-repository record used for staleness display.
type RepoState struct {
	RepoID      string
	LastHash    string
	LastIndexed int64 // epoch millis
}

// FileState tracks the last-indexed content hash of one file, plus the stat
// values used to skip hashing files that clearly haven't changed.
type FileState struct {
	RepoID    string
	Path      string
	Hash      string
	Size      int64
	MTime     int64 // epoch millis
	IndexedAt int64 // epoch millis
}

// Store persists index state in sqlite, scoped to the host environment rather
// than the repository being indexed, so it survives restarts.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	// WAL allows the watcher path and a full-index run to read concurrently.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't support multiple writers well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	-- One row per repository root
	CREATE TABLE IF NOT EXISTS repo_state (
		repo_id      TEXT PRIMARY KEY,
		last_hash    TEXT NOT NULL,
		last_indexed INTEGER NOT NULL
	);

	-- Per-file content hashes used for change detection
	CREATE TABLE IF NOT EXISTS file_state (
		repo_id    TEXT NOT NULL,
		path       TEXT NOT NULL,
		hash       TEXT NOT NULL,
		size       INTEGER NOT NULL DEFAULT 0,
		mtime      INTEGER NOT NULL DEFAULT 0,
		indexed_at INTEGER NOT NULL,
		PRIMARY KEY (repo_id, path)
	);

	CREATE INDEX IF NOT EXISTS idx_file_state_repo ON file_state(repo_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get returns the repo's index state, or nil if it was never indexed.
func (s *Store) Get(ctx context.Context, repoID string) (*RepoState, error) {
	query := `SELECT repo_id, last_hash, last_indexed FROM repo_state WHERE repo_id = ?`
	var r RepoState
	err := s.db.QueryRowContext(ctx, query, repoID).Scan(&r.RepoID, &r.LastHash, &r.LastIndexed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read repo state: %w", err)
	}
	return &r, nil
}

// Update persists the repo's hash and timestamp in one durable write. The
// record is swapped whole: readers see either the previous or the new state.
func (s *Store) Update(ctx context.Context, repoID, hash string) error {
	now := time.Now().UnixMilli()
	query := `
		INSERT INTO repo_state (repo_id, last_hash, last_indexed)
		VALUES (?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			last_hash = excluded.last_hash,
			last_indexed = excluded.last_indexed
	`
	if _, err := s.db.ExecContext(ctx, query, repoID, hash, now); err != nil {
		return fmt.Errorf("failed to update repo state: %w", err)
	}
	return nil
}

// Remove deletes the repo's state and all of its file records.
func (s *Store) Remove(ctx context.Context, repoID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_state WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to remove file state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repo_state WHERE repo_id = ?`, repoID); err != nil {
		return fmt.Errorf("failed to remove repo state: %w", err)
	}
	return nil
}

// GetAll returns the state of every indexed repository.
func (s *Store) GetAll(ctx context.Context) ([]RepoState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, last_hash, last_indexed FROM repo_state ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query repo state: %w", err)
	}
	defer rows.Close()

	var states []RepoState
	for rows.Next() {
		var r RepoState
		if err := rows.Scan(&r.RepoID, &r.LastHash, &r.LastIndexed); err != nil {
			return nil, fmt.Errorf("failed to scan repo state: %w", err)
		}
		states = append(states, r)
	}
	return states, rows.Err()
}

// GetFile returns a file's last-indexed state, or nil if the file has never
// been indexed. Missing rows are not an error.
func (s *Store) GetFile(ctx context.Context, repoID, path string) (*FileState, error) {
	query := `SELECT repo_id, path, hash, size, mtime, indexed_at FROM file_state WHERE repo_id = ? AND path = ?`
	var f FileState
	err := s.db.QueryRowContext(ctx, query, repoID, path).Scan(&f.RepoID, &f.Path, &f.Hash, &f.Size, &f.MTime, &f.IndexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file state: %w", err)
	}
	return &f, nil
}

// FileHash returns the last-indexed hash for a file, or "" if the file has
// never been indexed.
func (s *Store) FileHash(ctx context.Context, repoID, path string) (string, error) {
	f, err := s.GetFile(ctx, repoID, path)
	if err != nil || f == nil {
		return "", err
	}
	return f.Hash, nil
}

// SetFileHash records the file's content hash and stat values after its
// points are durable.
func (s *Store) SetFileHash(ctx context.Context, repoID, path, hash string, size, mtime int64) error {
	now := time.Now().UnixMilli()
	query := `
		INSERT INTO file_state (repo_id, path, hash, size, mtime, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, path) DO UPDATE SET
			hash = excluded.hash,
			size = excluded.size,
			mtime = excluded.mtime,
			indexed_at = excluded.indexed_at
	`
	if _, err := s.db.ExecContext(ctx, query, repoID, path, hash, size, mtime, now); err != nil {
		return fmt.Errorf("failed to set file hash: %w", err)
	}
	return nil
}

// DeleteFile removes a file's record, e.g. after deletion propagation.
func (s *Store) DeleteFile(ctx context.Context, repoID, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_state WHERE repo_id = ? AND path = ?`, repoID, path); err != nil {
		return fmt.Errorf("failed to delete file state: %w", err)
	}
	return nil
}

// Files returns every tracked file for a repository, ordered by path.
func (s *Store) Files(ctx context.Context, repoID string) ([]FileState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT repo_id, path, hash, size, mtime, indexed_at FROM file_state WHERE repo_id = ? ORDER BY path`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file state: %w", err)
	}
	defer rows.Close()

	var files []FileState
	for rows.Next() {
		var f FileState
		if err := rows.Scan(&f.RepoID, &f.Path, &f.Hash, &f.Size, &f.MTime, &f.IndexedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
