// Package connectivity owns the single authoritative "effectively online"
// signal. Reachability and link quality are folded into one boolean here;
// no other package is allowed its own opinion about being online, so every
// call-state transition sees the same answer.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is an edge-triggered connectivity transition.
type Event struct {
	Online bool
	At     time.Time
}

// Signal is what consumers see: the current state plus transition events.
type Signal interface {
	Online() bool
	Subscribe() (<-chan Event, func())
}

// Quality is one probe measurement.
type Quality struct {
	RTT          time.Duration
	DownlinkMbps float64
}

// Prober measures reachability and link quality against the backend.
type Prober interface {
	Probe(ctx context.Context) (Quality, error)
}

// Monitor polls a Prober and publishes transitions. "Effectively online"
// means the probe succeeded AND quality clears the slow-link thresholds;
// a reachable but crawling link counts as offline so the client falls
// back to store-and-forward instead of stalling live exchange.
type Monitor struct {
	prober   Prober
	interval time.Duration

	// Slow-link thresholds; zero disables the respective check.
	maxRTT      time.Duration
	minDownlink float64

	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	next   int
}

func NewMonitor(p Prober, interval, maxRTT time.Duration, minDownlink float64, log *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		prober:      p,
		interval:    interval,
		maxRTT:      maxRTT,
		minDownlink: minDownlink,
		log:         log,
		clock:       time.Now,
		subs:        make(map[int]chan Event),
	}
}

// Run polls until ctx is cancelled. The first probe runs immediately so
// startup does not wait a full interval for the initial state.
func (m *Monitor) Run(ctx context.Context) {
	m.probeOnce(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	q, err := m.prober.Probe(probeCtx)
	online := err == nil && m.goodEnough(q)
	if err != nil {
		m.log.Debug("connectivity: probe failed", "err", err)
	}
	m.set(online)
}

func (m *Monitor) goodEnough(q Quality) bool {
	if m.maxRTT > 0 && q.RTT > m.maxRTT {
		return false
	}
	if m.minDownlink > 0 && q.DownlinkMbps > 0 && q.DownlinkMbps < m.minDownlink {
		return false
	}
	return true
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) Subscribe() (<-chan Event, func()) {
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

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	e := Event{Online: online, At: m.clock().UTC()}
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			// Lagging subscriber; it will resync from Online().
		}
	}
}
