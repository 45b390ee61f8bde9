package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// SQLiteRepo persists the journal next to the local chunk cache. Like the
// cache it is device-local and safe to delete between runs.
type SQLiteRepo struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal file. Pass ":memory:" in tests.
func OpenSQLite(path string) (*SQLiteRepo, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS transitions (
  id         TEXT PRIMARY KEY,
  from_view  TEXT NOT NULL,
  to_view    TEXT NOT NULL,
  call_id    TEXT NOT NULL DEFAULT '',
  reason     TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions (created_at);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

func (r *SQLiteRepo) Close() error { return r.db.Close() }

func (r *SQLiteRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO transitions (id, from_view, to_view, call_id, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, q, e.ID, e.FromView, e.ToView, e.CallID, e.Reason, e.CreatedAt); err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

func (r *SQLiteRepo) Recent(ctx context.Context, limit int) ([]Entry, error) {
	const q = `
SELECT id, from_view, to_view, call_id, reason, created_at
FROM transitions
ORDER BY created_at DESC, id DESC
LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FromView, &e.ToView, &e.CallID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
