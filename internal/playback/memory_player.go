package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"offline-phone/internal/chunks"
)

// MemoryPlayer renders nothing and scripts outcomes per chunk reference.
// Unscripted refs start immediately and finish after PlayDuration.
type MemoryPlayer struct {
	// PlayDuration is the simulated render time. Defaults to 5ms.
	PlayDuration time.Duration

	mu     sync.Mutex
	fail   map[string]error
	hang   map[string]bool
	played []string
}

func NewMemoryPlayer() *MemoryPlayer {
	return &MemoryPlayer{
		fail: make(map[string]error),
		hang: make(map[string]bool),
	}
}

// FailWith makes the ref start, then report err instead of finishing.
func (p *MemoryPlayer) FailWith(ref string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[ref] = err
}

// Hang makes the ref never start and never finish, forcing a stall.
func (p *MemoryPlayer) Hang(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[ref] = true
}

// PlayedRefs returns every ref whose audio actually started, in order.
func (p *MemoryPlayer) PlayedRefs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.played))
	copy(out, p.played)
	return out
}

func (p *MemoryPlayer) Play(ctx context.Context, src chunks.Source) (Playing, error) {
	if src.Ref == "" {
		return Playing{}, errors.New("playback: empty ref")
	}
	p.mu.Lock()
	failErr := p.fail[src.Ref]
	hang := p.hang[src.Ref]
	dur := p.PlayDuration
	p.mu.Unlock()
	if dur <= 0 {
		dur = 5 * time.Millisecond
	}

	started := make(chan struct{})
	done := make(chan struct{})
	errCh := make(chan error, 1)
	stop := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		if hang {
			<-stop
			return
		}
		p.mu.Lock()
		p.played = append(p.played, src.Ref)
		p.mu.Unlock()
		close(started)
		select {
		case <-time.After(dur):
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		if failErr != nil {
			errCh <- failErr
			return
		}
		close(done)
	}()

	return Playing{
		Started:  started,
		Progress: make(chan struct{}),
		Done:     done,
		Err:      errCh,
		Stop:     func() { stopOnce.Do(func() { close(stop) }) },
	}, nil
}
