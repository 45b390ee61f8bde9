package playback

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"offline-phone/internal/chunks"
)

type memResolver struct {
	failRef string
}

func (r *memResolver) ResolvePlayable(_ context.Context, ref string) (chunks.Source, error) {
	if ref == r.failRef {
		return chunks.Source{}, errors.New("resolve boom")
	}
	return chunks.Source{Ref: ref, Data: []byte("pcm"), ContentType: "audio/webm"}, nil
}

func threeChunks() []chunks.Chunk {
	return []chunks.Chunk{
		{ID: "c1", URL: "u1"},
		{ID: "c2", URL: "u2"},
		{ID: "c3", URL: "u3"},
	}
}

func newTestEngine(p Player) *Engine {
	return NewEngine(&memResolver{}, p, 40*time.Millisecond, 10*time.Millisecond, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (e *Engine) waitIdle(t *testing.T) {
	t.Helper()
	waitFor(t, "engine idle", func() bool { return e.State() == StateIdle })
}

func TestEngine_PlaysInOrderThenIdles(t *testing.T) {
	p := NewMemoryPlayer()
	e := newTestEngine(p)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	e.waitIdle(t)

	if got, want := p.PlayedRefs(), []string{"u1", "u2", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
	_, items, _ := e.Snapshot()
	for _, it := range items {
		if !it.Played {
			t.Fatalf("chunk %s not marked played", it.Chunk.ID)
		}
	}
}

func TestEngine_PlayWithoutChunks(t *testing.T) {
	e := newTestEngine(NewMemoryPlayer())
	if err := e.Play(context.Background()); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("err = %v, want ErrNoChunks", err)
	}
}

func TestEngine_StalledChunkIsSkipped(t *testing.T) {
	p := NewMemoryPlayer()
	p.Hang("u2")
	e := newTestEngine(p)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	e.waitIdle(t)

	// u2 never started; the watchdog must still carry the walk to u3.
	if got, want := p.PlayedRefs(), []string{"u1", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
}

func TestEngine_FailedChunkIsSkipped(t *testing.T) {
	p := NewMemoryPlayer()
	p.FailWith("u2", errors.New("decoder boom"))
	e := newTestEngine(p)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	e.waitIdle(t)

	if got, want := p.PlayedRefs(), []string{"u1", "u2", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
}

func TestEngine_UnresolvableChunkIsSkipped(t *testing.T) {
	p := NewMemoryPlayer()
	e := NewEngine(&memResolver{failRef: "u1"}, p, 40*time.Millisecond, 10*time.Millisecond, nil)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	e.waitIdle(t)

	if got, want := p.PlayedRefs(), []string{"u2", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
}

func TestEngine_SeekRepositionsMarks(t *testing.T) {
	p := NewMemoryPlayer()
	e := newTestEngine(p)
	e.Load(threeChunks())

	e.Seek(1)
	_, items, idx := e.Snapshot()
	if !items[0].Played || items[1].Played || items[2].Played {
		t.Fatalf("seek marks wrong: %+v", items)
	}
	if idx != 1 {
		t.Fatalf("idx = %d, want 1", idx)
	}

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	e.waitIdle(t)
	if got, want := p.PlayedRefs(), []string{"u2", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
}

func TestEngine_SeekWhilePlayingResumesAfterSettle(t *testing.T) {
	p := NewMemoryPlayer()
	p.PlayDuration = 60 * time.Millisecond
	e := NewEngine(&memResolver{}, p, time.Second, 10*time.Millisecond, nil)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "first chunk start", func() bool { return len(p.PlayedRefs()) >= 1 })

	e.Seek(2)
	if e.State() != StatePaused {
		t.Fatalf("state after seek = %s, want paused until settle", e.State())
	}
	waitFor(t, "settle resume", func() bool { return e.State() == StatePlaying })
	e.waitIdle(t)

	refs := p.PlayedRefs()
	if got := refs[len(refs)-1]; got != "u3" {
		t.Fatalf("last played %s, want u3", got)
	}
	for _, r := range refs[1:] {
		if r == "u2" {
			t.Fatalf("seek past u2 must not render it, played %v", refs)
		}
	}
}

func TestEngine_PauseHoldsAndResumeReplaysCurrent(t *testing.T) {
	p := NewMemoryPlayer()
	p.PlayDuration = 150 * time.Millisecond
	e := NewEngine(&memResolver{}, p, time.Second, 10*time.Millisecond, nil)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "first chunk start", func() bool { return len(p.PlayedRefs()) == 1 })

	e.Pause()
	if e.State() != StatePaused {
		t.Fatalf("state = %s, want paused", e.State())
	}
	before := len(p.PlayedRefs())
	time.Sleep(50 * time.Millisecond)
	if got := len(p.PlayedRefs()); got != before {
		t.Fatalf("paused engine started a chunk: %d -> %d", before, got)
	}

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.waitIdle(t)

	// The interrupted chunk plays again from its start.
	if got, want := p.PlayedRefs(), []string{"u1", "u1", "u2", "u3"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played %v, want %v", got, want)
	}
}

func TestEngine_StopReturnsToIdle(t *testing.T) {
	p := NewMemoryPlayer()
	p.PlayDuration = 150 * time.Millisecond
	e := newTestEngine(p)
	e.Load(threeChunks())

	if err := e.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitFor(t, "first chunk start", func() bool { return len(p.PlayedRefs()) >= 1 })
	e.Stop()
	if e.State() != StateIdle {
		t.Fatalf("state = %s, want idle", e.State())
	}
}
