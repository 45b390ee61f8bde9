package cache

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBlobRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	url := "https://blobs.example/call-1/5551234560/000.webm"
	if _, _, err := s.GetBlob(ctx, url); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	payload := []byte{0x1a, 0x45, 0xdf, 0xa3}
	if err := s.PutBlob(ctx, url, payload, "audio/webm"); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, ct, err := s.GetBlob(ctx, url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(data, payload) || ct != "audio/webm" {
		t.Fatalf("round-trip mismatch: %v %q", data, ct)
	}

	ok, err := s.HasBlob(ctx, url)
	if err != nil || !ok {
		t.Fatalf("HasBlob = %v, %v", ok, err)
	}

	// Re-caching the same URL replaces, not duplicates.
	if err := s.PutBlob(ctx, url, []byte{0xff}, "audio/ogg"); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	data, ct, _ = s.GetBlob(ctx, url)
	if len(data) != 1 || ct != "audio/ogg" {
		t.Fatalf("expected replacement, got %v %q", data, ct)
	}
}

func TestChunksForCall_OrderedByCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of creation order; arrival order must not matter.
	for _, m := range []ChunkMeta{
		{ID: "c", CallID: "call-1", FromNumber: "5559876543", URL: "u3", FilePath: "p3", SessionIndex: 2, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "a", CallID: "call-1", FromNumber: "5559876543", URL: "u1", FilePath: "p1", SessionIndex: 0, CreatedAt: base},
		{ID: "b", CallID: "call-1", FromNumber: "5559876543", URL: "u2", FilePath: "p2", SessionIndex: 1, CreatedAt: base.Add(time.Minute)},
		{ID: "x", CallID: "call-2", FromNumber: "5551234560", URL: "u9", FilePath: "p9", SessionIndex: 0, CreatedAt: base},
	} {
		if err := s.PutChunk(ctx, m); err != nil {
			t.Fatalf("put chunk %s: %v", m.ID, err)
		}
	}

	got, err := s.ChunksForCall(ctx, "call-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got[i].ID != want {
			t.Fatalf("order wrong at %d: got %s want %s", i, got[i].ID, want)
		}
	}
}
