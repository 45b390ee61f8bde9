package history

import (
	"context"
	"sort"
	"time"

	"offline-phone/internal/calls"
)

// MemoryRepo serves canned call rows for tests.
type MemoryRepo struct {
	Calls []calls.Call
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) ListForNumber(_ context.Context, number string, from, to time.Time) ([]calls.Call, error) {
	var out []calls.Call
	for _, c := range r.Calls {
		if !c.Involves(number) || !c.Status.Terminal() {
			continue
		}
		if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
