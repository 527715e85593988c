package audio

import "time"

// FrameEncoder slices a continuous mono float32 sample stream into immutable
// 20 ms PCM16 [Frame]s. Samples buffer across [FrameEncoder.Push] calls until
// a full frame has accumulated; nothing is emitted early, nothing is dropped,
// and order is preserved.
//
// The encoder runs on the capture goroutine. The emit callback must not block
// on I/O — hand the frame off (channel send, relay write queue) and return.
//
// FrameEncoder is not safe for concurrent use; it has a single producer by
// construction.
type FrameEncoder struct {
	rate          int
	samplesPerFrm int
	emit          func(Frame)

	pending []float32
	emitted time.Duration
}

// NewFrameEncoder creates an encoder for the given capture rate. emit is
// invoked once per completed 20 ms frame, on the goroutine calling Push.
func NewFrameEncoder(rate int, emit func(Frame)) *FrameEncoder {
	spf := rate / 50 // rate × 0.020
	return &FrameEncoder{
		rate:          rate,
		samplesPerFrm: spf,
		emit:          emit,
		pending:       make([]float32, 0, spf),
	}
}

// Push appends a block of raw samples and emits every full frame now
// available. Partial remainders stay buffered for the next call.
func (e *FrameEncoder) Push(samples []float32) {
	e.pending = append(e.pending, samples...)
	for len(e.pending) >= e.samplesPerFrm {
		frame := Frame{
			PCM:        Float32ToPCM16(e.pending[:e.samplesPerFrm]),
			SampleRate: e.rate,
			Offset:     e.emitted,
		}
		e.pending = append(e.pending[:0], e.pending[e.samplesPerFrm:]...)
		e.emitted += FrameDuration
		e.emit(frame)
	}
}

// Buffered reports how many samples are waiting for the next full frame.
func (e *FrameEncoder) Buffered() int { return len(e.pending) }

// Emitted reports the total duration of audio emitted as frames so far.
func (e *FrameEncoder) Emitted() time.Duration { return e.emitted }

// Reset discards any buffered partial frame and zeroes the emitted counter.
// Used when a new listening window begins.
func (e *FrameEncoder) Reset() {
	e.pending = e.pending[:0]
	e.emitted = 0
}
