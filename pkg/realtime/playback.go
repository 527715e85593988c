package realtime

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-voice/parley/pkg/audio"
)

const (
	defaultPlaybackRate = 24000
	defaultPlaybackTick = 20 * time.Millisecond
)

// PlaybackConfig configures a [PlaybackEngine].
type PlaybackConfig struct {
	// SampleRate of the decoded PCM16 stream in Hz. Default 24000.
	SampleRate int

	// Tick is the pacing interval of the playback loop. Default 20 ms.
	Tick time.Duration

	// Sink receives the audio actually played. Nil means consume silently
	// (tests, headless runs) — pacing and accounting are identical.
	Sink audio.Sink
}

// PlaybackEngine owns the ordered queue of decoded audio buffers for one
// session and plays them back-to-back through the sink.
//
// The engine distinguishes the queue from the buffer currently scheduled:
// a scheduled buffer is consumed tick by tick, freezes in place on
// [PlaybackEngine.Pause] (no samples lost or skipped), and completes only
// when its last byte has been written. Drained — stream complete, queue
// empty, nothing scheduled, not paused — is maintained continuously and
// reported through the OnDrained callback exactly once per stream.
//
// All methods are safe for concurrent use. [PlaybackEngine.Flush] is
// synchronous: it takes effect before it returns, which is what bounds
// barge-in latency.
type PlaybackEngine struct {
	rate int
	tick time.Duration
	sink audio.Sink

	mu             sync.Mutex
	queue          [][]byte
	current        []byte
	pos            int
	streamComplete bool
	paused         bool
	drainedFired   bool
	playedBytes    int64
	onDrained      func()

	done      chan struct{}
	closeOnce sync.Once
}

// NewPlaybackEngine creates the engine and starts its pacing loop.
func NewPlaybackEngine(cfg PlaybackConfig) *PlaybackEngine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultPlaybackRate
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultPlaybackTick
	}
	p := &PlaybackEngine{
		rate: cfg.SampleRate,
		tick: cfg.Tick,
		sink: cfg.Sink,
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

// OnDrained registers cb to be invoked (on the playback goroutine) when the
// drained condition becomes true. Replaces any previous registration.
func (p *PlaybackEngine) OnDrained(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDrained = cb
}

// Enqueue decodes one base64 PCM16 payload and appends it to the queue. If
// nothing is scheduled and the engine is not paused, the new head is
// scheduled for output on the next tick. Enqueue never blocks on the sink.
func (p *PlaybackEngine) Enqueue(payload string) error {
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("playback: decode payload: %w", err)
	}
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, pcm)
	p.drainedFired = false
	if p.current == nil && !p.paused {
		p.scheduleNextLocked()
	}
	return nil
}

// MarkStreamComplete records that no more buffers will arrive for the current
// turn. Drained may become true immediately if everything already played.
func (p *PlaybackEngine) MarkStreamComplete() {
	p.mu.Lock()
	p.streamComplete = true
	cb := p.drainedCallbackLocked()
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Pause freezes the in-flight buffer mid-sample and stops queue advancement.
// A completion racing the pause is a no-op: the loop re-checks the paused
// flag under the lock before consuming anything.
func (p *PlaybackEngine) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume un-freezes playback. If nothing is scheduled and the queue is
// non-empty, the loop restarts from the queue head.
func (p *PlaybackEngine) Resume() {
	p.mu.Lock()
	p.paused = false
	if p.current == nil && len(p.queue) > 0 {
		p.scheduleNextLocked()
	}
	cb := p.drainedCallbackLocked()
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Flush empties the queue, force-stops the in-flight buffer, and clears the
// stream-complete and paused flags so the engine is immediately reusable by a
// new turn. Synchronous and non-blocking; this is the barge-in path.
func (p *PlaybackEngine) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.current = nil
	p.pos = 0
	p.streamComplete = false
	p.paused = false
	p.drainedFired = false
	p.playedBytes = 0
}

// Drained reports whether stream-complete ∧ empty queue ∧ nothing scheduled ∧
// not paused currently holds.
func (p *PlaybackEngine) Drained() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drainedLocked()
}

// Paused reports whether the engine is paused.
func (p *PlaybackEngine) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// QueueDepth reports the number of buffers waiting behind the scheduled one.
func (p *PlaybackEngine) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// PlayedDuration reports the total audible time consumed since the last
// Flush.
func (p *PlaybackEngine) PlayedDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return audio.PCM16Duration(int(p.playedBytes), p.rate)
}

// Close stops the pacing loop and closes the sink if one is attached.
// Idempotent.
func (p *PlaybackEngine) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	if p.sink != nil {
		return p.sink.Close()
	}
	return nil
}

// scheduleNextLocked promotes the queue head to the scheduled slot. Caller
// holds p.mu and has verified current == nil and the queue is non-empty.
func (p *PlaybackEngine) scheduleNextLocked() {
	p.current = p.queue[0]
	p.queue = p.queue[1:]
	p.pos = 0
}

func (p *PlaybackEngine) drainedLocked() bool {
	return p.streamComplete && len(p.queue) == 0 && p.current == nil && !p.paused
}

// drainedCallbackLocked returns the callback to fire if drained just became
// true and has not fired for this stream yet, nil otherwise. Caller holds
// p.mu and must invoke the result after unlocking.
func (p *PlaybackEngine) drainedCallbackLocked() func() {
	if !p.drainedLocked() || p.drainedFired {
		return nil
	}
	p.drainedFired = true
	return p.onDrained
}

func (p *PlaybackEngine) run() {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.onTick()
		}
	}
}

// onTick consumes up to one tick's worth of bytes from the scheduled buffer,
// writes them to the sink, and advances the queue on natural completion.
func (p *PlaybackEngine) onTick() {
	bytesPerTick := audio.PCM16Bytes(p.tick, p.rate)

	var toPlay []byte
	p.mu.Lock()
	if !p.paused {
		if p.current == nil && len(p.queue) > 0 {
			p.scheduleNextLocked()
		}
		if p.current != nil {
			n := bytesPerTick
			if rem := len(p.current) - p.pos; n > rem {
				n = rem
			}
			toPlay = p.current[p.pos : p.pos+n]
			p.pos += n
			p.playedBytes += int64(n)
			if p.pos == len(p.current) {
				// Natural completion: release the buffer and, still not
				// paused, advance to the next one.
				p.current = nil
				p.pos = 0
				if len(p.queue) > 0 {
					p.scheduleNextLocked()
				}
			}
		}
	}
	cb := p.drainedCallbackLocked()
	p.mu.Unlock()

	if len(toPlay) > 0 && p.sink != nil {
		if err := p.sink.Write(toPlay); err != nil {
			slog.Debug("playback sink write failed", "err", err)
		}
	}
	if cb != nil {
		cb()
	}
}
