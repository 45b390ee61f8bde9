// Package cache is the device-local persistent chunk cache used for offline
// playback. It mirrors remote audio chunks (metadata + fetched binary) in a
// sqlite file. Purely a performance/availability layer: never authoritative,
// safe to delete between runs.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

var ErrNotFound = errors.New("cache: not found")

// ChunkMeta mirrors one audio_chunks row. Kept as a separate type so the
// cache has no dependency on the shared-store packages.
type ChunkMeta struct {
	ID           string
	CallID       string
	FromNumber   string
	URL          string
	FilePath     string
	SessionIndex int
	CreatedAt    time.Time
}

// Store is a two-table sqlite cache: blobs keyed by URL, chunk metadata
// keyed by id with a secondary index on call_id.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the cache file. Pass ":memory:" in tests.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("cache: path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	// The cache is accessed from timer callbacks and the playback loop;
	// sqlite serializes writes, so one connection avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS blobs (
  url          TEXT PRIMARY KEY,
  data         BLOB NOT NULL,
  content_type TEXT NOT NULL DEFAULT '',
  cached_at    TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS chunk_meta (
  id            TEXT PRIMARY KEY,
  call_id       TEXT NOT NULL,
  from_number   TEXT NOT NULL,
  url           TEXT NOT NULL,
  file_path     TEXT NOT NULL,
  session_index INTEGER NOT NULL,
  created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunk_meta_call ON chunk_meta (call_id);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("cache: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// PutBlob stores (or replaces) the binary for a URL.
func (s *Store) PutBlob(ctx context.Context, url string, data []byte, contentType string) error {
	if url == "" {
		return fmt.Errorf("cache: url required")
	}
	const q = `
INSERT INTO blobs (url, data, content_type, cached_at) VALUES (?,?,?,?)
ON CONFLICT (url) DO UPDATE SET data = excluded.data, content_type = excluded.content_type, cached_at = excluded.cached_at
`
	_, err := s.db.ExecContext(ctx, q, url, data, contentType, time.Now().UTC())
	return err
}

// GetBlob returns the cached binary and content type for a URL.
func (s *Store) GetBlob(ctx context.Context, url string) ([]byte, string, error) {
	const q = `SELECT data, content_type FROM blobs WHERE url = ?`
	var data []byte
	var ct string
	if err := s.db.QueryRowContext(ctx, q, url).Scan(&data, &ct); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	return data, ct, nil
}

// HasBlob reports whether a URL is already cached.
func (s *Store) HasBlob(ctx context.Context, url string) (bool, error) {
	const q = `SELECT 1 FROM blobs WHERE url = ?`
	var one int
	if err := s.db.QueryRowContext(ctx, q, url).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PutChunk stores (or replaces) chunk metadata.
func (s *Store) PutChunk(ctx context.Context, m ChunkMeta) error {
	if m.ID == "" || m.CallID == "" {
		return fmt.Errorf("cache: chunk id and call id required")
	}
	const q = `
INSERT INTO chunk_meta (id, call_id, from_number, url, file_path, session_index, created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET url = excluded.url, file_path = excluded.file_path
`
	_, err := s.db.ExecContext(ctx, q, m.ID, m.CallID, m.FromNumber, m.URL, m.FilePath, m.SessionIndex, m.CreatedAt.UTC())
	return err
}

// ChunksForCall returns cached chunk metadata for a call, creation order
// ascending. The order comes from created_at as recorded by the durable
// store, never local arrival order.
func (s *Store) ChunksForCall(ctx context.Context, callID string) ([]ChunkMeta, error) {
	const q = `
SELECT id, call_id, from_number, url, file_path, session_index, created_at
FROM chunk_meta
WHERE call_id = ?
ORDER BY created_at ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChunkMeta
	for rows.Next() {
		var m ChunkMeta
		if err := rows.Scan(&m.ID, &m.CallID, &m.FromNumber, &m.URL, &m.FilePath, &m.SessionIndex, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
