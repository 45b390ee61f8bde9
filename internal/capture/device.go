// Package capture abstracts the audio capture device. The recording layer
// never touches the platform directly; it opens a Stream, drains it, and
// closes it. Implementations map platform failures onto the shared error
// taxonomy so callers can tell "no device" from "not allowed".
package capture

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnsupported means no capture device is available on this host.
	ErrUnsupported = errors.New("capture: not supported")
	// ErrPermissionDenied means the device exists but access was refused.
	ErrPermissionDenied = errors.New("capture: permission denied")
	// ErrBusy means the device is held by another stream. Capture is
	// exclusive: the owner must close its stream before a new Open.
	ErrBusy = errors.New("capture: device busy")
)

// Device opens exclusive capture streams.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream delivers raw encoded audio until closed. Read returns io.EOF when
// the underlying source ends on its own.
type Stream interface {
	io.ReadCloser
	// ContentType is the MIME type of the produced audio.
	ContentType() string
}
