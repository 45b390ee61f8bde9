package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"offline-phone/pkg/utils"
)

// PostgresRepo persists calls in the shared calls table.
//
// Assumed schema:
//
//	CREATE TABLE calls (
//	  id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
//	  from_number   TEXT NOT NULL,
//	  to_number     TEXT NOT NULL,
//	  from_username TEXT NOT NULL,
//	  to_username   TEXT NOT NULL,
//	  status        TEXT NOT NULL,
//	  created_at    TIMESTAMPTZ NOT NULL,
//	  accepted_at   TIMESTAMPTZ,
//	  ended_at      TIMESTAMPTZ
//	);
//	CREATE INDEX idx_calls_from ON calls (from_number, status);
//	CREATE INDEX idx_calls_to ON calls (to_number, status);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `id, from_number, to_number, from_username, to_username, status, created_at, accepted_at, ended_at`

func scanCall(row *sql.Row) (Call, error) {
	var c Call
	err := row.Scan(
		&c.ID,
		&c.FromNumber,
		&c.ToNumber,
		&c.FromUsername,
		&c.ToUsername,
		&c.Status,
		&c.CreatedAt,
		&c.AcceptedAt,
		&c.EndedAt,
	)
	return c, err
}

func (r *PostgresRepo) Create(ctx context.Context, c Call) (Call, error) {
	// The id comes from the store. Two parties dialing each other at the
	// same instant must end up with distinct rows.
	const q = `
INSERT INTO calls (from_number, to_number, from_username, to_username, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING ` + callColumns
	return scanCall(r.db.QueryRowContext(ctx, q,
		c.FromNumber, c.ToNumber, c.FromUsername, c.ToUsername, c.Status, c.CreatedAt,
	))
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (Call, error) {
	const q = `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (r *PostgresRepo) SetStatus(ctx context.Context, id string, status Status, at time.Time) (Call, error) {
	// Terminal rows stay terminal. When the guarded update matches no
	// row, return the current row so callers observe the winning write.
	const q = `
UPDATE calls
SET status = $2,
    accepted_at = CASE WHEN $2 = 'active' THEN $3 ELSE accepted_at END,
    ended_at    = CASE WHEN $2 IN ('ended','rejected') THEN $3 ELSE ended_at END
WHERE id = $1 AND status NOT IN ('ended','rejected')
RETURNING ` + callColumns
	c, err := scanCall(r.db.QueryRowContext(ctx, q, id, status, at))
	if err == nil {
		return c, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return r.GetByID(ctx, id)
	}
	return Call{}, err
}

// EndDangling locks the number's non-terminal rows and ends them in one
// transaction, so a concurrent accept cannot interleave between the scan
// and the update.
func (r *PostgresRepo) EndDangling(ctx context.Context, number string, at time.Time) ([]Call, error) {
	var out []Call
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const lock = `
SELECT id FROM calls
WHERE (from_number = $1 OR to_number = $1) AND status IN ('ringing','active')
ORDER BY created_at ASC
FOR UPDATE
`
		rows, err := tx.QueryContext(ctx, lock, number)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		const end = `
UPDATE calls
SET status = 'ended', ended_at = $2
WHERE id = $1
RETURNING ` + callColumns
		for _, id := range ids {
			var c Call
			if err := tx.QueryRowContext(ctx, end, id, at).Scan(
				&c.ID, &c.FromNumber, &c.ToNumber, &c.FromUsername, &c.ToUsername,
				&c.Status, &c.CreatedAt, &c.AcceptedAt, &c.EndedAt,
			); err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRepo) NonTerminalForNumber(ctx context.Context, number string) ([]Call, error) {
	const q = `
SELECT ` + callColumns + `
FROM calls
WHERE (from_number = $1 OR to_number = $1) AND status IN ('ringing','active')
ORDER BY created_at ASC
`
	rows, err := r.db.QueryContext(ctx, q, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		var c Call
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
