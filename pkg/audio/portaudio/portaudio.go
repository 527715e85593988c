// Package portaudio provides the default microphone [audio.Source] and
// speaker [audio.Sink] backed by the PortAudio library.
//
// PortAudio global state is reference-counted: the first Open initialises the
// library and the last Close terminates it, so a capture source and a playback
// sink can coexist in one process.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/parley-voice/parley/pkg/audio"
)

// ErrNoInputDevice is returned by [NewSource] when the host has no usable
// default input device or access to it is denied.
var ErrNoInputDevice = errors.New("portaudio: no input device available")

var (
	initMu    sync.Mutex
	initCount int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initCount++
	return nil
}

func release() {
	initMu.Lock()
	defer initMu.Unlock()
	if initCount == 0 {
		return
	}
	initCount--
	if initCount == 0 {
		portaudio.Terminate()
	}
}

// blockSize is the per-read buffer length in samples. 10 ms at 24 kHz keeps
// device latency below one frame.
const blockSize = 240

// Compile-time interface checks.
var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// Source captures mono float32 blocks from the default input device.
type Source struct {
	rate   int
	buf    []float32
	stream *portaudio.Stream

	mu     sync.Mutex
	closed bool
}

// NewSource opens the default input device at rate Hz. Returns
// [ErrNoInputDevice] when the device cannot be opened.
func NewSource(rate int) (*Source, error) {
	if err := acquire(); err != nil {
		return nil, err
	}

	s := &Source{rate: rate, buf: make([]float32, blockSize)}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(rate), blockSize, s.buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	s.stream = stream
	return s, nil
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.rate }

// Start implements [audio.Source]. It starts the device stream and spawns the
// read loop; each completed device read is copied and sent as one block.
func (s *Source) Start(ctx context.Context) (<-chan []float32, error) {
	if err := s.stream.Start(); err != nil {
		return nil, fmt.Errorf("portaudio: start stream: %w", err)
	}

	out := make(chan []float32, 8)
	go func() {
		defer close(out)
		defer func() {
			if err := s.stream.Stop(); err != nil {
				slog.Debug("portaudio stop", "err", err)
			}
		}()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.stream.Read(); err != nil {
				if ctx.Err() == nil {
					slog.Warn("portaudio read failed", "err", err)
				}
				return
			}
			block := make([]float32, len(s.buf))
			copy(block, s.buf)
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
	err := s.stream.Close()
	release()
	return err
}

// Sink plays mono PCM16 through the default output device.
type Sink struct {
	rate   int
	buf    []int16
	stream *portaudio.Stream

	mu      sync.Mutex
	carry   []int16
	closed  bool
	started bool
}

// NewSink opens the default output device at rate Hz.
func NewSink(rate int) (*Sink, error) {
	if err := acquire(); err != nil {
		return nil, err
	}

	s := &Sink{rate: rate, buf: make([]int16, blockSize)}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), blockSize, &s.buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Write implements [audio.Sink]. Bytes are little-endian int16 mono PCM;
// writes block until the device has consumed full blocks, with any remainder
// carried to the next call.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("portaudio: sink closed")
	}
	if !s.started {
		if err := s.stream.Start(); err != nil {
			return fmt.Errorf("portaudio: start output: %w", err)
		}
		s.started = true
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		s.carry = append(s.carry, int16(pcm[i])|int16(pcm[i+1])<<8)
	}
	for len(s.carry) >= blockSize {
		copy(s.buf, s.carry[:blockSize])
		s.carry = append(s.carry[:0], s.carry[blockSize:]...)
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write output: %w", err)
		}
	}
	return nil
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.started {
		_ = s.stream.Stop()
	}
	err := s.stream.Close()
	release()
	return err
}
