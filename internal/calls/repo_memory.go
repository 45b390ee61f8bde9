package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository for tests. It mimics the store's
// id generation and the terminal-rows-stay-terminal guard.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]Call)}
}

func (r *MemoryRepo) Create(_ context.Context, c Call) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.ID = uuid.NewString()
	r.calls[c.ID] = c
	return c, nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) SetStatus(_ context.Context, id string, status Status, at time.Time) (Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	if c.Status.Terminal() {
		return c, nil
	}
	c.Status = status
	switch status {
	case StatusActive:
		t := at
		c.AcceptedAt = &t
	case StatusEnded, StatusRejected:
		t := at
		c.EndedAt = &t
	}
	r.calls[id] = c
	return c, nil
}

func (r *MemoryRepo) EndDangling(_ context.Context, number string, at time.Time) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for id, c := range r.calls {
		if c.Status.Terminal() || !c.Involves(number) {
			continue
		}
		c.Status = StatusEnded
		t := at
		c.EndedAt = &t
		r.calls[id] = c
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepo) NonTerminalForNumber(_ context.Context, number string) ([]Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if !c.Status.Terminal() && c.Involves(number) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
