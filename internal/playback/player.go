package playback

import (
	"context"

	"offline-phone/internal/chunks"
)

// Playing is one in-flight chunk render. Started closes when audio
// actually begins (the only moment a chunk may be marked played), Done
// closes on natural end, Err delivers at most one failure, and Progress
// ticks while rendering to feed the stall watchdog.
type Playing struct {
	Started  <-chan struct{}
	Progress <-chan struct{}
	Done     <-chan struct{}
	Err      <-chan error
	Stop     func()
}

// Player renders one resolved chunk at a time.
type Player interface {
	Play(ctx context.Context, src chunks.Source) (Playing, error)
}
