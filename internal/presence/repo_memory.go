package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests.
type MemoryRepo struct {
	mu    sync.Mutex
	users map[string]User
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{users: make(map[string]User)}
}

func (r *MemoryRepo) Upsert(_ context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.PhoneNumber] = u
	return nil
}

func (r *MemoryRepo) SetOnline(_ context.Context, phoneNumber string, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phoneNumber]
	if !ok {
		return ErrNotFound
	}
	u.Online = online
	u.LastSeen = at
	r.users[phoneNumber] = u
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, phoneNumber string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[phoneNumber]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepo) ListOnline(_ context.Context, notBefore time.Time) ([]User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []User
	for _, u := range r.users {
		if u.Online && !u.LastSeen.Before(notBefore) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
