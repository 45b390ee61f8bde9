package history

import (
	"context"
	"database/sql"
	"time"

	"offline-phone/internal/calls"
)

// PostgresRepo reads terminal call rows from the shared calls table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListForNumber(ctx context.Context, number string, from, to time.Time) ([]calls.Call, error) {
	const q = `
SELECT id, from_number, to_number, from_username, to_username, status, created_at, accepted_at, ended_at
FROM calls
WHERE (from_number = $1 OR to_number = $1)
  AND status IN ('ended','rejected')
  AND created_at >= $2 AND created_at < $3
ORDER BY created_at DESC
`
	rows, err := r.db.QueryContext(ctx, q, number, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		var c calls.Call
		if err := rows.Scan(
			&c.ID, &c.FromNumber, &c.ToNumber, &c.FromUsername, &c.ToUsername,
			&c.Status, &c.CreatedAt, &c.AcceptedAt, &c.EndedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
