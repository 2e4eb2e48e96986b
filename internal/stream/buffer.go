package stream

import (
	"context"
	"sync"
	"time"

	"github.com/orenshk/babyguard/internal/logger"
)

// FrameReader yields decoded JPEG frames from an open camera stream.
type FrameReader interface {
	// ReadFrame blocks until the next frame is available.
	ReadFrame() ([]byte, error)
	Close() error
}

// DialFunc opens a camera stream and returns a frame reader.
type DialFunc func(ctx context.Context) (FrameReader, error)

// BufferConfig contains buffer tuning knobs.
type BufferConfig struct {
	RetryDelay   time.Duration // sleep after a failed frame read
	RestartDelay time.Duration // pause between stop and relaunch on Restart
}

// Buffer continuously reads frames from a camera stream in a background
// goroutine and keeps only the most recent one. A failed read never escapes
// the reader: the cached frame is cleared and the caller observes the outage
// as LatestFrame returning no frame.
type Buffer struct {
	dial   DialFunc
	cfg    BufferConfig
	logger *logger.Logger

	mu      sync.Mutex
	frame   []byte
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBuffer creates a frame buffer over the given stream dialer.
func NewBuffer(dial DialFunc, cfg BufferConfig, log *logger.Logger) *Buffer {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = time.Second
	}
	return &Buffer{
		dial:   dial,
		cfg:    cfg,
		logger: log,
	}
}

// Start launches the background reader. Starting a running buffer is a no-op.
func (b *Buffer) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.readLoop(ctx)
}

// Stop terminates the background reader and waits for it to exit.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
}

// Restart stops the reader and relaunches it after a short delay.
func (b *Buffer) Restart() {
	b.Stop()
	time.Sleep(b.cfg.RestartDelay)
	b.Start()
}

// LatestFrame returns a copy of the most recent frame, or false when no frame
// is currently buffered.
func (b *Buffer) LatestFrame() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frame == nil {
		return nil, false
	}
	out := make([]byte, len(b.frame))
	copy(out, b.frame)
	return out, true
}

func (b *Buffer) setFrame(frame []byte) {
	b.mu.Lock()
	b.frame = frame
	b.mu.Unlock()
}

func (b *Buffer) readLoop(ctx context.Context) {
	defer close(b.done)
	defer b.setFrame(nil)

	reader, err := b.dial(ctx)
	if err != nil {
		b.logger.Warn("Failed to open camera stream", "error", err)
		return
	}
	defer reader.Close()

	// Unblock a pending ReadFrame when the buffer is stopped
	go func() {
		<-ctx.Done()
		reader.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := reader.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("Failed to read frame, retrying", "error", err)
			b.setFrame(nil)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.RetryDelay):
			}
			continue
		}
		b.setFrame(frame)
	}
}
