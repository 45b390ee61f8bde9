// Package recording captures microphone audio in fixed-length windows.
// One start→stop cycle produces exactly one outcome, and the caller makes
// exactly one upload attempt per outcome that carries data.
package recording

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"offline-phone/internal/capture"
)

var (
	// ErrNoAudioData is reported when the window elapsed with zero
	// captured bytes. It must not consume a session index.
	ErrNoAudioData = errors.New("recording: no audio data captured")
	// ErrBusy is returned when a session is already running. The caller
	// decides whether to tear the old one down first.
	ErrBusy = errors.New("recording: session already active")
)

// Outcome is the single result of one capture cycle.
type Outcome struct {
	CallID      string
	Data        []byte
	ContentType string
	// Err is nil only when Data is non-empty.
	Err error
}

// Manager owns the exclusive capture session. The session state is an
// explicit object here rather than module-level globals, so nothing leaks
// across calls and the "same call id" guard stays testable.
type Manager struct {
	dev    capture.Device
	window time.Duration
	log    *slog.Logger

	mu     sync.Mutex
	active *session
}

type session struct {
	callID string
	stream capture.Stream
	timer  *time.Timer
	once   sync.Once
}

func NewManager(dev capture.Device, window time.Duration, log *slog.Logger) *Manager {
	if window <= 0 {
		window = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{dev: dev, window: window, log: log}
}

// Start opens the capture device and records until the window elapses or
// Stop is called, then delivers exactly one Outcome to onDone.
//
// Fails with ErrBusy when a session is already running, and with the
// capture package's taxonomy (ErrUnsupported, ErrPermissionDenied) when
// the device cannot be opened. On open failure no Outcome is delivered.
func (m *Manager) Start(ctx context.Context, callID string, onDone func(Outcome)) error {
	if callID == "" || onDone == nil {
		return errors.New("recording: call id and completion callback required")
	}

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return ErrBusy
	}
	stream, err := m.dev.Open(ctx)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s := &session{callID: callID, stream: stream}
	s.timer = time.AfterFunc(m.window, func() { m.stopSession(s) })
	m.active = s
	m.mu.Unlock()

	go m.run(s, onDone)
	return nil
}

// Stop ends the active session, if any. The outcome still lands through
// the callback registered at Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s != nil {
		m.stopSession(s)
	}
}

// Active reports whether a capture cycle is in flight.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

func (m *Manager) stopSession(s *session) {
	s.once.Do(func() {
		s.timer.Stop()
		if err := s.stream.Close(); err != nil {
			m.log.Warn("recording: stream close failed", "call_id", s.callID, "err", err)
		}
	})
}

func (m *Manager) run(s *session, onDone func(Outcome)) {
	var buf bytes.Buffer
	_, readErr := io.Copy(&buf, s.stream)

	// The window may still be pending if the stream ended on its own.
	m.stopSession(s)

	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()

	out := Outcome{
		CallID:      s.callID,
		Data:        buf.Bytes(),
		ContentType: s.stream.ContentType(),
	}
	switch {
	// A stop-triggered close surfaces as fs.ErrClosed from file-backed
	// streams; that is a clean end of the window, not a failure.
	case readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, fs.ErrClosed):
		out.Err = readErr
	case buf.Len() == 0:
		out.Err = ErrNoAudioData
	}
	onDone(out)
}
