package recording

import (
	"context"
	"errors"
	"testing"
	"time"

	"offline-phone/internal/capture"
)

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for recording outcome")
		return Outcome{}
	}
}

func TestStart_PropagatesDeviceErrors(t *testing.T) {
	for _, devErr := range []error{capture.ErrUnsupported, capture.ErrPermissionDenied} {
		m := NewManager(&capture.ScriptDevice{OpenErr: devErr}, time.Second, nil)
		err := m.Start(context.Background(), "call-1", func(Outcome) {
			t.Fatalf("no outcome expected on open failure")
		})
		if !errors.Is(err, devErr) {
			t.Fatalf("expected %v, got %v", devErr, err)
		}
	}
}

func TestStart_ExplicitStopDeliversData(t *testing.T) {
	dev := &capture.ScriptDevice{Payload: []byte("twenty seconds of audio")}
	m := NewManager(dev, time.Minute, nil)

	ch := make(chan Outcome, 1)
	if err := m.Start(context.Background(), "call-1", func(o Outcome) { ch <- o }); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Give the reader a moment to drain the scripted payload.
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	o := waitOutcome(t, ch)
	if o.Err != nil {
		t.Fatalf("unexpected outcome error: %v", o.Err)
	}
	if o.CallID != "call-1" || string(o.Data) != "twenty seconds of audio" {
		t.Fatalf("bad outcome: %+v", o)
	}
	if o.ContentType != "audio/webm" {
		t.Fatalf("content type lost: %q", o.ContentType)
	}
	if m.Active() {
		t.Fatalf("session must be released after outcome")
	}
}

func TestStart_WindowAutoStops(t *testing.T) {
	dev := &capture.ScriptDevice{Payload: []byte("abc")}
	m := NewManager(dev, 30*time.Millisecond, nil)

	ch := make(chan Outcome, 1)
	if err := m.Start(context.Background(), "call-1", func(o Outcome) { ch <- o }); err != nil {
		t.Fatalf("start: %v", err)
	}
	o := waitOutcome(t, ch)
	if o.Err != nil || string(o.Data) != "abc" {
		t.Fatalf("expected auto-stopped outcome with data, got %+v", o)
	}
}

func TestStart_ZeroBytesReportsNoAudioData(t *testing.T) {
	dev := &capture.ScriptDevice{}
	m := NewManager(dev, 30*time.Millisecond, nil)

	ch := make(chan Outcome, 1)
	if err := m.Start(context.Background(), "call-1", func(o Outcome) { ch <- o }); err != nil {
		t.Fatalf("start: %v", err)
	}
	o := waitOutcome(t, ch)
	if !errors.Is(o.Err, ErrNoAudioData) {
		t.Fatalf("expected ErrNoAudioData, got %v", o.Err)
	}
}

func TestStart_SecondSessionIsBusy(t *testing.T) {
	dev := &capture.ScriptDevice{Payload: []byte("x")}
	m := NewManager(dev, time.Minute, nil)

	ch := make(chan Outcome, 1)
	if err := m.Start(context.Background(), "call-1", func(o Outcome) { ch <- o }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background(), "call-2", func(Outcome) {}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Teardown-then-start is the caller's exclusivity policy.
	m.Stop()
	waitOutcome(t, ch)
	ch2 := make(chan Outcome, 1)
	if err := m.Start(context.Background(), "call-2", func(o Outcome) { ch2 <- o }); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	m.Stop()
	waitOutcome(t, ch2)
	if dev.Opens() != 2 {
		t.Fatalf("expected 2 device opens, got %d", dev.Opens())
	}
}
