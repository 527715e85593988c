package realtime

import (
	"math"
	"sync"
	"time"
)

const (
	defaultRevealRate = 16.0 // characters per second
	defaultRevealTick = 50 * time.Millisecond
)

// Synchronizer paces the character-by-character disclosure of the model's
// text so the visible transcript tracks what is currently audible instead of
// racing ahead of it.
//
// Text deltas append to the full buffer in arrival order; the visible text is
// always a strict prefix of the full buffer and never shrinks. While active
// (playing, not paused, not stopped) each tick advances the prefix by
// min(pending, round(rate × elapsed)) characters, elapsed being wall-clock
// time since the previous tick. When audio both completed and drained, the
// whole remainder is revealed at once so nothing is ever truncated.
//
// Safe for concurrent use.
type Synchronizer struct {
	rate float64

	mu       sync.Mutex
	full     []rune
	visible  int
	active   bool
	lastTick time.Time
}

// NewSynchronizer creates a Synchronizer revealing rate characters per
// second. A non-positive rate falls back to the default.
func NewSynchronizer(rate float64) *Synchronizer {
	if rate <= 0 {
		rate = defaultRevealRate
	}
	return &Synchronizer{rate: rate}
}

// Append adds received text to the full buffer without revealing any of it.
func (s *Synchronizer) Append(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = append(s.full, []rune(text)...)
}

// SetActive toggles reveal pacing. Activation resets the tick clock so time
// spent paused or stopped never converts into a catch-up burst.
func (s *Synchronizer) SetActive(active bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active && !s.active {
		s.lastTick = now
	}
	s.active = active
}

// Tick advances the visible prefix according to wall-clock time elapsed since
// the previous tick. A no-op while inactive.
func (s *Synchronizer) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	if s.lastTick.IsZero() {
		s.lastTick = now
		return
	}
	elapsed := now.Sub(s.lastTick).Seconds()
	if elapsed <= 0 {
		return
	}
	s.lastTick = now

	step := int(math.Round(s.rate * elapsed))
	if pending := len(s.full) - s.visible; step > pending {
		step = pending
	}
	s.visible += step
}

// RevealAll discloses the entire remaining buffer immediately. Called when
// the audio stream is complete and drained.
func (s *Synchronizer) RevealAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = len(s.full)
}

// ClearPending discards text that was received but never revealed, keeping
// everything already visible. This is the barge-in path: the interrupted
// turn's unspoken tail must not appear later.
func (s *Synchronizer) ClearPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = s.full[:s.visible]
	s.active = false
}

// Reset discards all state for a new turn.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = s.full[:0]
	s.visible = 0
	s.active = false
	s.lastTick = time.Time{}
}

// VisibleText returns the revealed prefix.
func (s *Synchronizer) VisibleText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.full[:s.visible])
}

// FullText returns everything received so far, revealed or not.
func (s *Synchronizer) FullText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.full)
}

// Pending reports how many characters await reveal.
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.full) - s.visible
}
