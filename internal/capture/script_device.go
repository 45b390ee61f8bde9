package capture

import (
	"context"
	"io"
	"sync"
)

// ScriptDevice is a test device producing a fixed payload per Open.
// Set OpenErr to simulate capability/permission failures; set Payload to
// nil to simulate a window with zero captured bytes.
type ScriptDevice struct {
	mu      sync.Mutex
	Payload []byte
	MIME    string
	OpenErr error

	opens int
	open  bool
}

func (d *ScriptDevice) Open(_ context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if d.open {
		return nil, ErrBusy
	}
	d.open = true
	d.opens++
	mime := d.MIME
	if mime == "" {
		mime = "audio/webm"
	}
	return &scriptStream{
		dev:    d,
		data:   append([]byte(nil), d.Payload...),
		mime:   mime,
		closed: make(chan struct{}),
	}, nil
}

// Opens reports how many streams have been opened.
func (d *ScriptDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type scriptStream struct {
	dev  *ScriptDevice
	data []byte
	mime string

	mu  sync.Mutex
	pos int

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *scriptStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	s.mu.Lock()
	if s.pos < len(s.data) {
		n := copy(p, s.data[s.pos:])
		s.pos += n
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	// Drained: behave like a live microphone and block until the window
	// timer or an explicit stop closes the stream.
	<-s.closed
	return 0, io.EOF
}

func (s *scriptStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.dev.mu.Lock()
		s.dev.open = false
		s.dev.mu.Unlock()
	})
	return nil
}

func (s *scriptStream) ContentType() string { return s.mime }
