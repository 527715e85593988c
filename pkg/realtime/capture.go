package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/audio"
)

// SourceFactory opens a microphone-like audio source at the given sample
// rate. Injected so live capture, fallback capture and tests all plug in the
// same way.
type SourceFactory func(sampleRate int) (audio.Source, error)

// CaptureController runs the capture side of a turn: it opens a source,
// chops the incoming sample stream into fixed-duration PCM16 frames and hands
// each frame to the emit callback, keeping count of how much audio a capture
// window produced.
type CaptureController struct {
	factory    SourceFactory
	sampleRate int
	emit       func(audio.Frame)

	mu       sync.Mutex
	source   audio.Source
	cancel   context.CancelFunc
	done     chan struct{}
	encoder  *audio.FrameEncoder
	captured time.Duration
}

// NewCaptureController creates a controller emitting frames at sampleRate
// through emit.
func NewCaptureController(factory SourceFactory, sampleRate int, emit func(audio.Frame)) *CaptureController {
	c := &CaptureController{
		factory:    factory,
		sampleRate: sampleRate,
		emit:       emit,
	}
	c.encoder = audio.NewFrameEncoder(sampleRate, func(f audio.Frame) {
		c.mu.Lock()
		c.captured += f.Duration()
		c.mu.Unlock()
		c.emit(f)
	})
	return c
}

// Start opens the source and begins streaming frames. Returns
// ErrTurnConflict if capture is already running; a source that cannot be
// opened or started surfaces as [ErrDeviceUnavailable].
func (c *CaptureController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.source != nil {
		return ErrTurnConflict
	}

	src, err := c.factory(c.sampleRate)
	if err != nil {
		return fmt.Errorf("opening capture source: %w: %w", ErrDeviceUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	samples, err := src.Start(runCtx)
	if err != nil {
		cancel()
		src.Close()
		return fmt.Errorf("starting capture source: %w: %w", ErrDeviceUnavailable, err)
	}

	c.source = src
	c.cancel = cancel
	c.done = make(chan struct{})
	c.captured = 0
	// A partial frame left over from the previous window must not leak
	// into this one.
	c.encoder.Reset()

	go c.pump(samples, c.done)
	return nil
}

func (c *CaptureController) pump(samples <-chan []float32, done chan struct{}) {
	defer close(done)
	for block := range samples {
		c.encoder.Push(block)
	}
}

// Stop ends the capture window and returns the total duration of the frames
// it emitted. Returns zero when capture was not running.
func (c *CaptureController) Stop() time.Duration {
	c.mu.Lock()
	if c.source == nil {
		c.mu.Unlock()
		return 0
	}
	src := c.source
	cancel := c.cancel
	done := c.done
	c.source = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	cancel()
	src.Close()
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}

// Active reports whether a capture window is open.
func (c *CaptureController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != nil
}

// Captured returns the duration emitted so far in the current window.
func (c *CaptureController) Captured() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captured
}
