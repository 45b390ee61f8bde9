package chunks

import (
	"context"
	"database/sql"
)

// PostgresRepo persists audio chunks in the shared audio_chunks table.
//
// Assumed schema:
//
//	CREATE TABLE audio_chunks (
//	  id            UUID PRIMARY KEY,
//	  call_id       UUID NOT NULL,
//	  from_number   TEXT NOT NULL,
//	  url           TEXT NOT NULL,
//	  file_path     TEXT NOT NULL,
//	  session_index INT NOT NULL,
//	  created_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX idx_audio_chunks_call ON audio_chunks (call_id, created_at);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, c Chunk) (Chunk, error) {
	const q = `
INSERT INTO audio_chunks (id, call_id, from_number, url, file_path, session_index, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id, call_id, from_number, url, file_path, session_index, created_at
`
	var out Chunk
	err := r.db.QueryRowContext(ctx, q,
		c.ID, c.CallID, c.FromNumber, c.URL, c.FilePath, c.SessionIndex, c.CreatedAt,
	).Scan(&out.ID, &out.CallID, &out.FromNumber, &out.URL, &out.FilePath, &out.SessionIndex, &out.CreatedAt)
	if err != nil {
		return Chunk{}, err
	}
	return out, nil
}

func (r *PostgresRepo) ListForCall(ctx context.Context, callID string) ([]Chunk, error) {
	const q = `
SELECT id, call_id, from_number, url, file_path, session_index, created_at
FROM audio_chunks
WHERE call_id = $1
ORDER BY created_at ASC, id ASC
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.CallID, &c.FromNumber, &c.URL, &c.FilePath, &c.SessionIndex, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
