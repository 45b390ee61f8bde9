package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"offline-phone/internal/chunks"
)

// CommandPlayer pipes chunk bytes into an external renderer such as
// ffplay or aplay. The process starting is the "audio started" moment;
// exit code zero is a natural end.
type CommandPlayer struct {
	Command string
	Args    []string

	// ProgressInterval ticks while the process runs so long chunks do
	// not trip the stall watchdog. Defaults to one second.
	ProgressInterval time.Duration
}

func NewCommandPlayer(command string, args ...string) *CommandPlayer {
	return &CommandPlayer{Command: command, Args: args, ProgressInterval: time.Second}
}

func (p *CommandPlayer) Play(ctx context.Context, src chunks.Source) (Playing, error) {
	if len(src.Data) == 0 {
		return Playing{}, fmt.Errorf("playback: empty chunk source %q", src.Ref)
	}
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Stdin = bytes.NewReader(src.Data)
	if err := cmd.Start(); err != nil {
		return Playing{}, fmt.Errorf("playback: start %s: %w", p.Command, err)
	}

	started := make(chan struct{})
	progress := make(chan struct{}, 1)
	done := make(chan struct{})
	errCh := make(chan error, 1)
	close(started)

	interval := p.ProgressInterval
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		waitErr := make(chan error, 1)
		go func() { waitErr <- cmd.Wait() }()
		for {
			select {
			case err := <-waitErr:
				if err != nil {
					errCh <- fmt.Errorf("playback: %s: %w", p.Command, err)
				} else {
					close(done)
				}
				return
			case <-t.C:
				select {
				case progress <- struct{}{}:
				default:
				}
			}
		}
	}()

	return Playing{
		Started:  started,
		Progress: progress,
		Done:     done,
		Err:      errCh,
		Stop:     func() { _ = cmd.Process.Kill() },
	}, nil
}
