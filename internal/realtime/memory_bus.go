package realtime

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests. Publish delivers synchronously
// to every matching subscriber with buffered channels, so tests can publish
// and then drain without goroutine coordination.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]*memorySub
	next int
}

type memorySub struct {
	filter Filter
	ch     chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int]*memorySub)}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.filter.Matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Lagging subscriber; same drop policy as the Redis bus.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, f Filter) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	s := &memorySub{filter: f, ch: make(chan Event, 64)}
	b.subs[id] = s

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(cur.ch)
		}
	}
	return s.ch, cancel, nil
}
