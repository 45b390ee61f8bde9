package chunks

import (
	"strings"
	"time"
)

// Chunk is one recorded, uploaded segment of a party's audio for a call.
// Rows are immutable once created, and only created after the blob upload
// succeeded (no orphaned metadata).
type Chunk struct {
	ID         string `json:"id" db:"id"`
	CallID     string `json:"call_id" db:"call_id"`
	FromNumber string `json:"from_number" db:"from_number"`

	// URL is the public location of the uploaded blob.
	URL string `json:"url" db:"url"`
	// FilePath is the object path inside the blob store bucket.
	FilePath string `json:"file_path" db:"file_path"`

	// SessionIndex counts the sender's online periods for this call,
	// not chunks. It advances only after a confirmed upload in the
	// prior online period, so a silent period leaves no gap.
	SessionIndex int `json:"session_index" db:"session_index"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Table is the shared row-store table name, used as the realtime channel.
const Table = "audio_chunks"

// IsLocalRef reports whether ref is a device-local ephemeral handle rather
// than a durable URL. Local refs are returned as-is by resolution and
// skipped by cache warming.
func IsLocalRef(ref string) bool {
	return strings.HasPrefix(ref, "file://") || strings.HasPrefix(ref, "mem://")
}
