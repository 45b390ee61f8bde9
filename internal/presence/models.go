package presence

import "time"

// User is one registered phone identity.
//
// Rows are upserted on registration and mutated only by heartbeats and
// explicit offline marks. Never hard-deleted.
type User struct {
	PhoneNumber string    `json:"phone_number" db:"phone_number"`
	Username    string    `json:"username" db:"username"`
	Online      bool      `json:"online" db:"online"`
	LastSeen    time.Time `json:"last_seen" db:"last_seen"`
}

// Table is the shared row-store table name, used as the realtime channel.
const Table = "users"
