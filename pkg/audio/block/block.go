// Package block provides a fallback [audio.Source] that reads raw float32
// sample blocks from an arbitrary provider function instead of a platform
// audio module. It exists for hosts where PortAudio cannot be initialised:
// the capture pipeline keeps the exact same frame contract (20 ms PCM16 via
// [audio.FrameEncoder]) while the underlying read granularity may be much
// larger.
package block

import (
	"context"
	"sync"

	"github.com/parley-voice/parley/pkg/audio"
)

// Reader supplies one block of mono float32 samples per call. It may block
// until samples are available. Returning an error (including io.EOF) ends the
// stream.
type Reader func(ctx context.Context) ([]float32, error)

// Compile-time interface check.
var _ audio.Source = (*Source)(nil)

// Source adapts a [Reader] to the [audio.Source] contract.
type Source struct {
	rate   int
	read   Reader
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewSource wraps read as a capture source at rate Hz.
func NewSource(rate int, read Reader) *Source {
	return &Source{rate: rate, read: read}
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Start implements [audio.Source]. Blocks from the reader are forwarded
// unchanged; the [audio.FrameEncoder] downstream re-chunks them to 20 ms
// frames regardless of the reader's granularity.
func (s *Source) Start(ctx context.Context) (<-chan []float32, error) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan []float32, 4)
	go func() {
		defer close(out)
		for {
			block, err := s.read(ctx)
			if err != nil || ctx.Err() != nil {
				return
			}
			select {
			case out <- block:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
