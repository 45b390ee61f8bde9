package chunks

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu     sync.Mutex
	chunks []Chunk
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Insert(_ context.Context, c Chunk) (Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, c)
	return c, nil
}

func (r *MemoryRepo) ListForCall(_ context.Context, callID string) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Chunk
	for _, c := range r.chunks {
		if c.CallID == callID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
