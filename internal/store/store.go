// Package store persists materials, chat history, and personalization in
// SQLite. Embeddings are stored as little-endian float32 blobs, the format
// sqlite-vec operates on, so cosine distance can be pushed into SQL when
// the extension is present and computed in Go when it is not.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"studymate/internal/logging"
)

// Store wraps the SQLite database. All methods are safe for concurrent use.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	embedDim  int
	vectorExt bool // sqlite-vec distance functions available
}

// Open initializes the database at path, running migrations. embedDim is
// the deployment constant D; vectors of any other dimension are rejected.
func Open(path string, embedDim int) (*Store, error) {
	log := logging.Get(logging.CategoryStore)

	if embedDim <= 0 {
		return nil, fmt.Errorf("embed dimension must be positive, got %d", embedDim)
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite writes are serialized anyway; a small pool bounds in-flight
	// queries without starving readers. In-memory databases are
	// per-connection, so they get exactly one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(8)
	}

	s := &Store{db: db, path: path, embedDim: embedDim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.vectorExt = s.detectVecExtension()
	log.Infow("store opened", "path", path, "embed_dim", embedDim, "vector_ext", s.vectorExt)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// EmbedDim returns the deployment vector dimension D.
func (s *Store) EmbedDim() int { return s.embedDim }

// HasVectorExt reports whether sqlite-vec distance pushdown is available.
func (s *Store) HasVectorExt() bool { return s.vectorExt }

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS materials (
			id                TEXT PRIMARY KEY,
			course_id         TEXT NOT NULL,
			name              TEXT NOT NULL,
			media_type        TEXT NOT NULL,
			size_bytes        INTEGER NOT NULL DEFAULT 0,
			extracted_text    TEXT NOT NULL DEFAULT '',
			embedding         BLOB,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			processed_at      TIMESTAMP,
			error_message     TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_materials_course ON materials(course_id)`,
		`CREATE INDEX IF NOT EXISTS idx_materials_status ON materials(processing_status)`,
		`CREATE TABLE IF NOT EXISTS material_files (
			material_id TEXT PRIMARY KEY REFERENCES materials(id) ON DELETE CASCADE,
			data        BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			course_id  TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_course ON chat_history(course_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS academic (
			user_id         TEXT PRIMARY KEY,
			grades          TEXT NOT NULL DEFAULT '',
			semester_type   TEXT NOT NULL DEFAULT '',
			semester_number INTEGER NOT NULL DEFAULT 0,
			subjects        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS personalized (
			user_id TEXT PRIMARY KEY,
			prefs   TEXT NOT NULL DEFAULT '{}'
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// detectVecExtension checks whether the sqlite-vec functions are loaded.
func (s *Store) detectVecExtension() bool {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		return false
	}
	logging.Get(logging.CategoryStore).Debugw("sqlite-vec available", "version", version)
	return true
}
