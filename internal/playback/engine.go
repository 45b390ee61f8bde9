// Package playback renders the counterpart's audio chunks in order during
// the connected view. The engine owns the idle/playing/paused state, the
// played marks, and the stall watchdog; the Player only knows how to render
// one resolved chunk.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"offline-phone/internal/chunks"
	"offline-phone/internal/metrics"
)

type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

var ErrNoChunks = errors.New("playback: no chunks loaded")

// Resolver turns a chunk reference into playable bytes, cache first.
type Resolver interface {
	ResolvePlayable(ctx context.Context, ref string) (chunks.Source, error)
}

// Item is one chunk plus its played mark. A chunk is marked played only
// when audio actually starts, never at schedule time, so seeking away and
// back does not silently skip a render.
type Item struct {
	Chunk  chunks.Chunk
	Played bool
}

// Engine walks the ordered chunk list from the first unplayed item. Each
// chunk plays to its natural end, a stall timeout, or an error, and the
// walk always moves forward regardless of which. Seek repositions the
// marks and, if playback was running, resumes after a short settle so a
// dragged slider does not fire a render per tick.
type Engine struct {
	resolver Resolver
	player   Player
	stall    time.Duration
	settle   time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	state     State
	items     []Item
	idx       int
	resumeIdx int
	gen       int
	abort     chan struct{}
	runCtx    context.Context
	settleT   *time.Timer
}

func NewEngine(resolver Resolver, player Player, stall, settle time.Duration, log *slog.Logger) *Engine {
	if stall <= 0 {
		stall = 6 * time.Second
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		resolver:  resolver,
		player:    player,
		stall:     stall,
		settle:    settle,
		log:       log,
		state:     StateIdle,
		resumeIdx: -1,
		abort:     make(chan struct{}),
	}
}

// Load replaces the chunk list and resets all position state. Called on
// entry to the connected view with the cached counterpart chunks.
func (e *Engine) Load(cs []chunks.Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interruptLocked()
	e.state = StateIdle
	e.items = make([]Item, len(cs))
	for i, c := range cs {
		e.items[i] = Item{Chunk: c}
	}
	e.idx = 0
	e.resumeIdx = -1
}

// Append adds a chunk to the end of the list, keeping existing marks.
func (e *Engine) Append(c chunks.Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = append(e.items, Item{Chunk: c})
}

// Play starts or resumes the walk. Resuming after a pause replays the
// interrupted chunk from its start rather than skipping it.
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StatePlaying {
		return nil
	}
	if len(e.items) == 0 {
		return ErrNoChunks
	}
	if e.resumeIdx >= 0 && e.resumeIdx < len(e.items) {
		e.items[e.resumeIdx].Played = false
		e.resumeIdx = -1
	}
	e.state = StatePlaying
	e.gen++
	e.abort = make(chan struct{})
	e.runCtx = ctx
	go e.run(ctx, e.gen, e.abort)
	return nil
}

// Pause halts the walk without losing position.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePlaying {
		return
	}
	e.interruptLocked()
	e.state = StatePaused
	if e.idx < len(e.items) && e.items[e.idx].Played {
		e.resumeIdx = e.idx
	}
}

// Stop returns the engine to idle. Marks survive; Load clears them.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interruptLocked()
	e.state = StateIdle
	e.resumeIdx = -1
}

// Seek repositions to chunk index i: everything before it is marked
// played, it and everything after become replayable. If playback was
// running it resumes after the settle delay so consecutive seeks coalesce.
func (e *Engine) Seek(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.items) == 0 {
		return
	}
	if i < 0 {
		i = 0
	}
	if i >= len(e.items) {
		i = len(e.items) - 1
	}
	wasPlaying := e.state == StatePlaying
	e.interruptLocked()
	for j := range e.items {
		e.items[j].Played = j < i
	}
	e.idx = i
	e.resumeIdx = -1
	if wasPlaying {
		e.state = StatePaused
		ctx := e.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		e.settleT = time.AfterFunc(e.settle, func() {
			if err := e.Play(ctx); err != nil && !errors.Is(err, ErrNoChunks) {
				e.log.Warn("playback: seek resume failed", "err", err)
			}
		})
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot reports the current state, item marks, and cursor position.
func (e *Engine) Snapshot() (State, []Item, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	items := make([]Item, len(e.items))
	copy(items, e.items)
	return e.state, items, e.idx
}

// interruptLocked invalidates the running walk and any pending settle
// resume. Callers hold e.mu.
func (e *Engine) interruptLocked() {
	e.gen++
	select {
	case <-e.abort:
	default:
		close(e.abort)
	}
	if e.settleT != nil {
		e.settleT.Stop()
		e.settleT = nil
	}
}

func (e *Engine) run(ctx context.Context, gen int, abort chan struct{}) {
	for {
		e.mu.Lock()
		if e.gen != gen || e.state != StatePlaying {
			e.mu.Unlock()
			return
		}
		i := -1
		for j := range e.items {
			if !e.items[j].Played {
				i = j
				break
			}
		}
		if i < 0 {
			e.state = StateIdle
			e.mu.Unlock()
			return
		}
		e.idx = i
		c := e.items[i].Chunk
		e.mu.Unlock()

		e.playOne(ctx, gen, abort, i, c)

		select {
		case <-ctx.Done():
			e.mu.Lock()
			if e.gen == gen {
				e.state = StateIdle
			}
			e.mu.Unlock()
			return
		default:
		}
	}
}

// playOne renders a single chunk and returns when it ends for any reason.
// Failures mark the item consumed so the walk cannot spin on a bad chunk;
// a later seek back makes it replayable again.
func (e *Engine) playOne(ctx context.Context, gen int, abort chan struct{}, i int, c chunks.Chunk) {
	src, err := e.resolver.ResolvePlayable(ctx, c.URL)
	if err != nil {
		e.log.Warn("playback: resolve failed, skipping chunk", "chunk_id", c.ID, "err", err)
		e.markPlayed(gen, i)
		return
	}
	p, err := e.player.Play(ctx, src)
	if err != nil {
		e.log.Warn("playback: player rejected chunk, skipping", "chunk_id", c.ID, "err", err)
		e.markPlayed(gen, i)
		return
	}
	defer p.Stop()

	watchdog := time.NewTimer(e.stall)
	defer watchdog.Stop()
	resetWatchdog := func() {
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(e.stall)
	}

	started := p.Started
	for {
		select {
		case <-started:
			started = nil
			e.markPlayed(gen, i)
			metrics.ChunksPlayedTotal.Inc()
			resetWatchdog()
		case <-p.Progress:
			resetWatchdog()
		case <-p.Done:
			if started != nil {
				// Ended without ever starting; count it consumed anyway.
				e.markPlayed(gen, i)
			}
			return
		case err := <-p.Err:
			e.log.Warn("playback: chunk failed, advancing", "chunk_id", c.ID, "err", err)
			e.markPlayed(gen, i)
			return
		case <-watchdog.C:
			e.log.Warn("playback: chunk stalled, advancing", "chunk_id", c.ID, "stall", e.stall)
			metrics.PlaybackStallsTotal.Inc()
			e.markPlayed(gen, i)
			return
		case <-abort:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) markPlayed(gen, i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || i >= len(e.items) {
		return
	}
	e.items[i].Played = true
}
