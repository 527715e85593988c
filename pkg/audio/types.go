// Package audio defines the audio frame type, PCM conversion helpers, and the
// capture source abstraction used throughout Parley.
//
// The atomic unit of audio transport is the [Frame]: a fixed-duration block of
// 16-bit little-endian mono PCM produced by a [FrameEncoder] from raw float32
// device samples. Frames cross goroutine boundaries by value and are never
// mutated after emission.
//
// This package lives under pkg/ because external code (alternative capture
// sources, playback sinks) is expected to implement [Source] and [Sink].
package audio

import (
	"context"
	"time"
)

// FrameDuration is the fixed duration of audio carried by one [Frame].
const FrameDuration = 20 * time.Millisecond

// Frame is a fixed-duration block of mono 16-bit little-endian PCM samples.
// A Frame is immutable once emitted: producers hand ownership to the consumer
// and never retain or modify the backing slice.
type Frame struct {
	// PCM holds the little-endian int16 sample data. For a frame at rate r the
	// length is exactly r/50*2 bytes (20 ms of audio).
	PCM []byte

	// SampleRate in Hz (e.g., 24000 for the upstream wire format).
	SampleRate int

	// Offset marks where this frame starts relative to capture start.
	Offset time.Duration
}

// Duration returns the audible length of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Source is the abstraction over a microphone-like capture device.
//
// Implementations wrap a platform audio module (portaudio) or a fallback
// block reader. Exactly one consumer may hold a Source open at a time; the
// capture controller enforces this exclusivity.
type Source interface {
	// Start begins capture and returns a channel delivering blocks of raw mono
	// float32 samples in the range [-1, 1]. Block sizes are
	// implementation-defined and carry no framing guarantee; callers feed them
	// through a [FrameEncoder]. The channel is closed when ctx is cancelled or
	// the device fails.
	Start(ctx context.Context) (<-chan []float32, error)

	// SampleRate reports the capture rate of the blocks delivered by Start.
	SampleRate() int

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Sink consumes decoded PCM16 audio for audible output. Write is paced by the
// caller (the playback engine); implementations must accept arbitrary slice
// sizes and must not retain the slice after Write returns.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}
