package journal

import "time"

// Entry is an immutable, append-only record of one view transition.
//
// Invariants:
// - Entries are never updated or deleted.
// - Writes are best-effort; the call flow never blocks on journal failures.
type Entry struct {
	ID string `json:"id" db:"id"`

	FromView string `json:"from_view" db:"from_view"`
	ToView   string `json:"to_view" db:"to_view"`

	// CallID is empty for transitions outside a call (setup, dialer).
	CallID string `json:"call_id,omitempty" db:"call_id"`

	// Reason is a short machine tag: dial, accept, ring-timeout,
	// went-offline, reconcile-ended and the like.
	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
