package capture

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
)

// FileDevice reads encoded audio from a file or named pipe fed by an
// external capture process. This is the production device for the agent:
// the platform recorder writes into the pipe, we drain it.
type FileDevice struct {
	Path string
	MIME string

	mu   sync.Mutex
	open bool
}

func NewFileDevice(path, mime string) *FileDevice {
	if mime == "" {
		mime = "audio/webm"
	}
	return &FileDevice{Path: path, MIME: mime}
}

func (d *FileDevice) Open(_ context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Path == "" {
		return nil, ErrUnsupported
	}
	if d.open {
		return nil, ErrBusy
	}

	f, err := os.Open(d.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, ErrPermissionDenied
		case errors.Is(err, fs.ErrNotExist):
			return nil, ErrUnsupported
		default:
			return nil, err
		}
	}
	d.open = true
	return &fileStream{f: f, dev: d}, nil
}

type fileStream struct {
	f   *os.File
	dev *FileDevice
}

func (s *fileStream) Read(p []byte) (int, error) { return s.f.Read(p) }

func (s *fileStream) Close() error {
	s.dev.mu.Lock()
	s.dev.open = false
	s.dev.mu.Unlock()
	return s.f.Close()
}

func (s *fileStream) ContentType() string { return s.dev.MIME }
