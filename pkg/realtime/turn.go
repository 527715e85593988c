package realtime

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a conversation turn.
type Status int

const (
	// StatusIdle means no turn is in progress.
	StatusIdle Status = iota
	// StatusListening means microphone audio is being captured and streamed.
	StatusListening
	// StatusProcessing means captured audio was committed and a response is
	// awaited but no audio has arrived yet.
	StatusProcessing
	// StatusPlaying means response audio is being played back.
	StatusPlaying
	// StatusPaused means playback and text reveal are frozen mid-turn.
	StatusPaused
	// StatusFinished means the turn completed: text done and audio drained.
	StatusFinished
	// StatusStopped means the turn was cut short by barge-in or shutdown.
	StatusStopped
	// StatusError means the turn failed. The session itself stays usable.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusProcessing:
		return "processing"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	case StatusFinished:
		return "finished"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends a turn.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusStopped || s == StatusError
}

const defaultProcessingTimeout = 25 * time.Second

// TurnMachine tracks the state of the current turn and enforces that a turn
// only finishes once both the text stream ended and playback fully drained,
// in either order.
//
// A watchdog guards the processing state: if no response activity arrives
// within the timeout the turn is failed rather than left hanging, without
// tearing down the session.
type TurnMachine struct {
	processingTimeout time.Duration

	mu           sync.Mutex
	status       Status
	textDone     bool
	audioDrained bool
	err          error
	watchdog     *time.Timer
	onChange     func(Status)
	onTimeout    func()
}

// NewTurnMachine creates an idle TurnMachine. A non-positive timeout falls
// back to the default processing watchdog.
func NewTurnMachine(processingTimeout time.Duration) *TurnMachine {
	if processingTimeout <= 0 {
		processingTimeout = defaultProcessingTimeout
	}
	return &TurnMachine{processingTimeout: processingTimeout}
}

// OnChange registers a callback invoked, outside the lock, after every status
// transition. Must be called before the machine is used.
func (m *TurnMachine) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// OnProcessingTimeout registers a callback fired when the processing watchdog
// expires. Must be called before the machine is used.
func (m *TurnMachine) OnProcessingTimeout(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// Status returns the current turn status.
func (m *TurnMachine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Err returns the error recorded for a failed turn, if any.
func (m *TurnMachine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// BeginListening starts a new turn in the listening state. Allowed from idle
// and from any terminal state; returns ErrTurnConflict otherwise.
func (m *TurnMachine) BeginListening() error {
	m.mu.Lock()
	if m.status != StatusIdle && !m.status.Terminal() {
		m.mu.Unlock()
		return ErrTurnConflict
	}
	m.resetLocked()
	fire := m.setStatusLocked(StatusListening)
	m.mu.Unlock()
	fire()
	return nil
}

// BeginProcessing moves listening into processing and arms the watchdog.
func (m *TurnMachine) BeginProcessing() error {
	m.mu.Lock()
	if m.status != StatusListening {
		m.mu.Unlock()
		return ErrTurnConflict
	}
	fire := m.setStatusLocked(StatusProcessing)
	m.armWatchdogLocked()
	m.mu.Unlock()
	fire()
	return nil
}

// ResponseStarted marks the first sign of response audio, moving processing
// into playing and disarming the watchdog. A no-op in other states.
func (m *TurnMachine) ResponseStarted() {
	m.mu.Lock()
	if m.status != StatusProcessing {
		m.mu.Unlock()
		return
	}
	m.disarmWatchdogLocked()
	fire := m.setStatusLocked(StatusPlaying)
	m.mu.Unlock()
	fire()
}

// TextDone records that the text stream ended. The turn finishes once audio
// has also drained.
func (m *TurnMachine) TextDone() {
	m.mu.Lock()
	m.textDone = true
	fire := m.maybeFinishLocked()
	m.mu.Unlock()
	fire()
}

// AudioDrained records that playback fully drained. The turn finishes once
// the text stream has also ended.
func (m *TurnMachine) AudioDrained() {
	m.mu.Lock()
	m.audioDrained = true
	fire := m.maybeFinishLocked()
	m.mu.Unlock()
	fire()
}

// Pause freezes a playing turn. Returns false if nothing was playing.
func (m *TurnMachine) Pause() bool {
	m.mu.Lock()
	if m.status != StatusPlaying {
		m.mu.Unlock()
		return false
	}
	fire := m.setStatusLocked(StatusPaused)
	m.mu.Unlock()
	fire()
	return true
}

// Resume unfreezes a paused turn. Returns false if nothing was paused.
func (m *TurnMachine) Resume() bool {
	m.mu.Lock()
	if m.status != StatusPaused {
		m.mu.Unlock()
		return false
	}
	fire := m.setStatusLocked(StatusPlaying)
	m.mu.Unlock()
	fire()
	return true
}

// Stop cuts the turn short, for barge-in or shutdown. A no-op when idle or
// already terminal.
func (m *TurnMachine) Stop() {
	m.mu.Lock()
	if m.status == StatusIdle || m.status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.disarmWatchdogLocked()
	fire := m.setStatusLocked(StatusStopped)
	m.mu.Unlock()
	fire()
}

// Fail records err and moves the turn into the error state. The session
// remains usable; a later BeginListening starts a fresh turn.
func (m *TurnMachine) Fail(err error) {
	m.mu.Lock()
	if m.status == StatusIdle || m.status.Terminal() {
		m.mu.Unlock()
		return
	}
	m.disarmWatchdogLocked()
	m.err = err
	fire := m.setStatusLocked(StatusError)
	m.mu.Unlock()
	fire()
}

func (m *TurnMachine) resetLocked() {
	m.textDone = false
	m.audioDrained = false
	m.err = nil
	m.disarmWatchdogLocked()
}

func (m *TurnMachine) maybeFinishLocked() func() {
	if !m.textDone || !m.audioDrained {
		return func() {}
	}
	if m.status != StatusPlaying && m.status != StatusProcessing && m.status != StatusPaused {
		return func() {}
	}
	m.disarmWatchdogLocked()
	return m.setStatusLocked(StatusFinished)
}

func (m *TurnMachine) setStatusLocked(s Status) func() {
	m.status = s
	fn := m.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(s) }
}

func (m *TurnMachine) armWatchdogLocked() {
	m.disarmWatchdogLocked()
	m.watchdog = time.AfterFunc(m.processingTimeout, m.watchdogFired)
}

func (m *TurnMachine) disarmWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *TurnMachine) watchdogFired() {
	m.mu.Lock()
	if m.status != StatusProcessing {
		m.mu.Unlock()
		return
	}
	m.err = ErrResponseTimeout
	fire := m.setStatusLocked(StatusError)
	timeoutFn := m.onTimeout
	m.mu.Unlock()
	fire()
	if timeoutFn != nil {
		timeoutFn()
	}
}
