package connectivity

import (
	"sync"
	"time"
)

// Manual is a hand-flipped Signal for tests and wiring without a prober.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	next   int
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]chan Event)}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manual) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := make(chan Event, 8)
	m.subs[id] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(cur)
		}
	}
	return ch, cancel
}

// Set flips the signal, emitting an edge event on change.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	e := Event{Online: online, At: time.Now().UTC()}
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
