package presence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRepo persists presence in the shared users table.
//
// Assumed schema:
//
//	CREATE TABLE users (
//	  phone_number TEXT PRIMARY KEY,
//	  username     TEXT NOT NULL,
//	  online       BOOLEAN NOT NULL DEFAULT FALSE,
//	  last_seen    TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Upsert(ctx context.Context, u User) error {
	const q = `
INSERT INTO users (phone_number, username, online, last_seen)
VALUES ($1,$2,$3,$4)
ON CONFLICT (phone_number)
DO UPDATE SET username = EXCLUDED.username,
              online = EXCLUDED.online,
              last_seen = EXCLUDED.last_seen
`
	_, err := r.db.ExecContext(ctx, q, u.PhoneNumber, u.Username, u.Online, u.LastSeen)
	return err
}

func (r *PostgresRepo) SetOnline(ctx context.Context, phoneNumber string, online bool, at time.Time) error {
	const q = `UPDATE users SET online = $2, last_seen = $3 WHERE phone_number = $1`
	res, err := r.db.ExecContext(ctx, q, phoneNumber, online, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Get(ctx context.Context, phoneNumber string) (User, error) {
	const q = `SELECT phone_number, username, online, last_seen FROM users WHERE phone_number = $1`
	var u User
	if err := r.db.QueryRowContext(ctx, q, phoneNumber).Scan(&u.PhoneNumber, &u.Username, &u.Online, &u.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (r *PostgresRepo) ListOnline(ctx context.Context, notBefore time.Time) ([]User, error) {
	const q = `
SELECT phone_number, username, online, last_seen
FROM users
WHERE online = TRUE AND last_seen >= $1
ORDER BY username ASC
`
	rows, err := r.db.QueryContext(ctx, q, notBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.PhoneNumber, &u.Username, &u.Online, &u.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
