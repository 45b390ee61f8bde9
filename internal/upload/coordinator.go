// Package upload pushes one recorded blob per online period to durable
// storage and mirrors the result into the shared audio_chunks table.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"offline-phone/internal/chunks"
	"offline-phone/internal/metrics"
)

var ErrInvalidRequest = errors.New("upload: invalid request")

// BlobUploader is the durable blob-store write, idempotent per path.
type BlobUploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// ChunkRecorder inserts chunk rows and warms the local cache.
// Implemented by chunks.Service.
type ChunkRecorder interface {
	Record(ctx context.Context, c chunks.Chunk) (chunks.Chunk, error)
	WarmCache(ctx context.Context, c chunks.Chunk)
}

// Request is one upload attempt for a (call, sender, session index) slot.
type Request struct {
	CallID       string
	Sender       string
	SessionIndex int
	Data         []byte
	ContentType  string
}

// Progress is delivered exactly once per Upload call. CallID lets the
// receiver discard callbacks that belong to a previous call.
type Progress struct {
	CallID       string
	SessionIndex int
	Chunk        chunks.Chunk
	Failed       bool
	Err          error
}

// Coordinator performs the blob-then-row upload sequence.
//
// Ordering invariant: the chunk row is inserted only after the blob upload
// succeeded, so a failure never leaves orphaned metadata. Retries at the
// same session index are safe because the blob path is deterministic and
// the store upserts.
type Coordinator struct {
	blobs   BlobUploader
	chunks  ChunkRecorder
	timeout time.Duration
	log     *slog.Logger
	clock   func() time.Time

	mu sync.Mutex
	// done is the idempotency guard keyed by (call id, session index).
	// A re-attempt for a confirmed slot reports the existing chunk
	// instead of re-uploading.
	done     map[string]chunks.Chunk
	inflight map[string]bool
}

func NewCoordinator(blobs BlobUploader, recorder ChunkRecorder, timeout time.Duration, log *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		blobs:    blobs,
		chunks:   recorder,
		timeout:  timeout,
		log:      log,
		clock:    time.Now,
		done:     make(map[string]chunks.Chunk),
		inflight: make(map[string]bool),
	}
}

// ObjectPath is the deterministic blob location for a slot.
func ObjectPath(callID, sender string, sessionIndex int, contentType string) string {
	return fmt.Sprintf("call-%s/%s/%03d%s", callID, sender, sessionIndex, extensionFor(contentType))
}

// Upload runs one attempt and reports through onProgress. It blocks for at
// most the configured timeout; callers that must not wait run it in a
// goroutine. Caller cancellation does not abort an attempt already in
// flight; only the hard timeout does.
func (c *Coordinator) Upload(ctx context.Context, req Request, onProgress func(Progress)) {
	if onProgress == nil {
		return
	}
	if req.CallID == "" || req.Sender == "" || len(req.Data) == 0 {
		onProgress(Progress{CallID: req.CallID, SessionIndex: req.SessionIndex, Failed: true, Err: ErrInvalidRequest})
		return
	}

	key := fmt.Sprintf("%s/%d", req.CallID, req.SessionIndex)
	c.mu.Lock()
	if existing, ok := c.done[key]; ok {
		c.mu.Unlock()
		onProgress(Progress{CallID: req.CallID, SessionIndex: req.SessionIndex, Chunk: existing})
		return
	}
	if c.inflight[key] {
		c.mu.Unlock()
		c.log.Warn("upload: duplicate attempt for in-flight slot dropped", "key", key)
		return
	}
	c.inflight[key] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	// Detach from caller cancellation: an in-flight upload runs to
	// completion or timeout, never aborted by a view change.
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	path := ObjectPath(req.CallID, req.Sender, req.SessionIndex, req.ContentType)
	url, err := c.blobs.Upload(upCtx, path, req.Data, req.ContentType)
	if err != nil {
		metrics.UploadFailuresTotal.Inc()
		c.log.Warn("upload: blob upload failed", "call_id", req.CallID, "index", req.SessionIndex, "err", err)
		onProgress(Progress{CallID: req.CallID, SessionIndex: req.SessionIndex, Failed: true, Err: err})
		return
	}

	chunk, err := c.chunks.Record(upCtx, chunks.Chunk{
		CallID:       req.CallID,
		FromNumber:   req.Sender,
		URL:          url,
		FilePath:     path,
		SessionIndex: req.SessionIndex,
		CreatedAt:    c.clock().UTC(),
	})
	if err != nil {
		metrics.UploadFailuresTotal.Inc()
		c.log.Warn("upload: chunk row insert failed", "call_id", req.CallID, "index", req.SessionIndex, "err", err)
		onProgress(Progress{CallID: req.CallID, SessionIndex: req.SessionIndex, Failed: true, Err: err})
		return
	}

	c.mu.Lock()
	c.done[key] = chunk
	c.mu.Unlock()

	// Warm the local cache so our own chunk is playable offline later.
	// Non-blocking; the upload result does not wait on it.
	go c.chunks.WarmCache(context.WithoutCancel(ctx), chunk)

	metrics.UploadsTotal.Inc()
	onProgress(Progress{CallID: req.CallID, SessionIndex: req.SessionIndex, Chunk: chunk})
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".bin"
	}
}
