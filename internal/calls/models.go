package calls

import "time"

// Call is the shared, durable representation of one call's lifecycle.
// Both parties see the same row; the store is the single source of truth
// and local views are projections reconciled against it.
//
// Invariant: at most one non-terminal call row per phone number. Clients
// that detect a violation force-end the dangling rows on dialer entry.
type Call struct {
	// ID is store-generated. Clients never invent call ids; simultaneous
	// dials must not be able to collide.
	ID string `json:"id" db:"id"`

	FromNumber   string `json:"from_number" db:"from_number"`
	ToNumber     string `json:"to_number" db:"to_number"`
	FromUsername string `json:"from_username" db:"from_username"`
	ToUsername   string `json:"to_username" db:"to_username"`

	Status Status `json:"status" db:"status"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`
}

type Status string

const (
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
)

// Terminal reports whether the call can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// Involves reports whether the normalized number is a participant.
func (c Call) Involves(number string) bool {
	return c.FromNumber == number || c.ToNumber == number
}

// Counterpart returns the other party's number for a participant.
func (c Call) Counterpart(number string) string {
	if c.FromNumber == number {
		return c.ToNumber
	}
	return c.FromNumber
}

// Table is the shared row-store table name, used as the realtime channel.
const Table = "calls"
