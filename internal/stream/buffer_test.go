package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
)

// scriptedReader serves frames from a channel; nil entries simulate read errors.
type scriptedReader struct {
	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newScriptedReader(buffered int) *scriptedReader {
	return &scriptedReader{
		frames: make(chan []byte, buffered),
		done:   make(chan struct{}),
	}
}

func (r *scriptedReader) ReadFrame() ([]byte, error) {
	select {
	case <-r.done:
		return nil, errors.New("reader closed")
	case frame, ok := <-r.frames:
		if !ok || frame == nil {
			return nil, errors.New("read failed")
		}
		return frame, nil
	}
}

func (r *scriptedReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.closed.Store(true)
	return nil
}

func newTestBuffer(reader *scriptedReader, dialErr error) *Buffer {
	dial := func(ctx context.Context) (FrameReader, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return reader, nil
	}
	return NewBuffer(dial, BufferConfig{
		RetryDelay:   5 * time.Millisecond,
		RestartDelay: 5 * time.Millisecond,
	}, logger.NewNop())
}

func waitForFrame(t *testing.T, b *Buffer, want bool) []byte {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frame, ok := b.LatestFrame()
		if ok == want {
			return frame
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for frame presence=%v", want)
	return nil
}

func TestBufferKeepsLatestFrame(t *testing.T) {
	reader := newScriptedReader(2)
	reader.frames <- []byte("frame-1")
	reader.frames <- []byte("frame-2")

	b := newTestBuffer(reader, nil)
	b.Start()
	defer b.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if frame, ok := b.LatestFrame(); ok && string(frame) == "frame-2" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Buffer never exposed the latest frame")
}

func TestBufferReturnsCopy(t *testing.T) {
	reader := newScriptedReader(1)
	reader.frames <- []byte("frame")

	b := newTestBuffer(reader, nil)
	b.Start()
	defer b.Stop()

	frame := waitForFrame(t, b, true)
	frame[0] = 'X'

	again, ok := b.LatestFrame()
	if !ok || string(again) != "frame" {
		t.Errorf("Mutating the returned frame leaked into the buffer: %q", again)
	}
}

func TestBufferClearsFrameOnReadError(t *testing.T) {
	reader := newScriptedReader(2)
	reader.frames <- []byte("frame")
	reader.frames <- nil // read error

	b := newTestBuffer(reader, nil)
	b.Start()
	defer b.Stop()

	waitForFrame(t, b, true)
	waitForFrame(t, b, false)
}

func TestBufferDialFailureLeavesNoFrame(t *testing.T) {
	b := newTestBuffer(nil, errors.New("connection refused"))
	b.Start()
	defer b.Stop()

	time.Sleep(20 * time.Millisecond)
	if _, ok := b.LatestFrame(); ok {
		t.Error("Expected no frame after dial failure")
	}
}

func TestBufferStopClosesReader(t *testing.T) {
	reader := newScriptedReader(1)
	reader.frames <- []byte("frame")

	b := newTestBuffer(reader, nil)
	b.Start()
	waitForFrame(t, b, true)

	close(reader.frames)
	b.Stop()

	if !reader.closed.Load() {
		t.Error("Stop should close the underlying reader")
	}
	if _, ok := b.LatestFrame(); ok {
		t.Error("Stopped buffer should expose no frame")
	}
}

func TestBufferStartTwiceIsNoop(t *testing.T) {
	reader := newScriptedReader(0)
	b := newTestBuffer(reader, nil)
	b.Start()
	b.Start()
	close(reader.frames)
	b.Stop()
}
