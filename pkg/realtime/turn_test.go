package realtime_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-voice/parley/pkg/realtime"
)

func TestTurnMachine_HappyPath(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)

	if err := m.BeginListening(); err != nil {
		t.Fatalf("BeginListening: %v", err)
	}
	if err := m.BeginProcessing(); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	m.ResponseStarted()
	if got := m.Status(); got != realtime.StatusPlaying {
		t.Fatalf("Status() = %v, want playing", got)
	}
	m.TextDone()
	if got := m.Status(); got != realtime.StatusPlaying {
		t.Fatalf("Status() = %v after text done only, want still playing", got)
	}
	m.AudioDrained()
	if got := m.Status(); got != realtime.StatusFinished {
		t.Fatalf("Status() = %v, want finished", got)
	}
}

func TestTurnMachine_FinishOrderIndependent(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	if err := m.BeginListening(); err != nil {
		t.Fatalf("BeginListening: %v", err)
	}
	if err := m.BeginProcessing(); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	m.ResponseStarted()

	// Audio can drain before the text stream ends.
	m.AudioDrained()
	if got := m.Status(); got != realtime.StatusPlaying {
		t.Fatalf("Status() = %v after audio drained only, want still playing", got)
	}
	m.TextDone()
	if got := m.Status(); got != realtime.StatusFinished {
		t.Fatalf("Status() = %v, want finished", got)
	}
}

func TestTurnMachine_RejectsConflictingStarts(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	if err := m.BeginListening(); err != nil {
		t.Fatalf("BeginListening: %v", err)
	}
	if err := m.BeginListening(); !errors.Is(err, realtime.ErrTurnConflict) {
		t.Fatalf("second BeginListening error = %v, want ErrTurnConflict", err)
	}
	if err := m.BeginProcessing(); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if err := m.BeginProcessing(); !errors.Is(err, realtime.ErrTurnConflict) {
		t.Fatalf("second BeginProcessing error = %v, want ErrTurnConflict", err)
	}
}

func TestTurnMachine_PauseResume(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	if m.Pause() {
		t.Fatal("Pause() succeeded while idle")
	}
	m.BeginListening()
	m.BeginProcessing()
	m.ResponseStarted()
	if !m.Pause() {
		t.Fatal("Pause() failed while playing")
	}
	if got := m.Status(); got != realtime.StatusPaused {
		t.Fatalf("Status() = %v, want paused", got)
	}
	if !m.Resume() {
		t.Fatal("Resume() failed while paused")
	}
	if got := m.Status(); got != realtime.StatusPlaying {
		t.Fatalf("Status() = %v, want playing", got)
	}
}

func TestTurnMachine_PausedTurnCanFinish(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	m.BeginListening()
	m.BeginProcessing()
	m.ResponseStarted()
	m.TextDone()
	m.Pause()
	// Resuming with everything already arrived finishes on drain.
	m.Resume()
	m.AudioDrained()
	if got := m.Status(); got != realtime.StatusFinished {
		t.Fatalf("Status() = %v, want finished", got)
	}
}

func TestTurnMachine_StopCutsTurnShort(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	m.BeginListening()
	m.BeginProcessing()
	m.ResponseStarted()
	m.Stop()
	if got := m.Status(); got != realtime.StatusStopped {
		t.Fatalf("Status() = %v, want stopped", got)
	}
	// A stopped turn never late-finishes from stragglers.
	m.TextDone()
	m.AudioDrained()
	if got := m.Status(); got != realtime.StatusStopped {
		t.Fatalf("Status() = %v after stragglers, want still stopped", got)
	}
}

func TestTurnMachine_FailedTurnLeavesMachineReusable(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)
	m.BeginListening()
	wantErr := errors.New("device unplugged")
	m.Fail(wantErr)
	if got := m.Status(); got != realtime.StatusError {
		t.Fatalf("Status() = %v, want error", got)
	}
	if !errors.Is(m.Err(), wantErr) {
		t.Fatalf("Err() = %v, want %v", m.Err(), wantErr)
	}

	if err := m.BeginListening(); err != nil {
		t.Fatalf("BeginListening after failure: %v", err)
	}
	if m.Err() != nil {
		t.Fatalf("Err() = %v on fresh turn, want nil", m.Err())
	}
}

func TestTurnMachine_ProcessingWatchdogFailsTheTurn(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(20 * time.Millisecond)

	var mu sync.Mutex
	timedOut := false
	m.OnProcessingTimeout(func() {
		mu.Lock()
		timedOut = true
		mu.Unlock()
	})

	m.BeginListening()
	m.BeginProcessing()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && m.Status() != realtime.StatusError {
		time.Sleep(5 * time.Millisecond)
	}
	if got := m.Status(); got != realtime.StatusError {
		t.Fatalf("Status() = %v after watchdog window, want error", got)
	}
	if !errors.Is(m.Err(), realtime.ErrResponseTimeout) {
		t.Fatalf("Err() = %v, want ErrResponseTimeout", m.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	if !timedOut {
		t.Fatal("timeout callback not invoked")
	}
}

func TestTurnMachine_ResponseDisarmsWatchdog(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(30 * time.Millisecond)
	m.BeginListening()
	m.BeginProcessing()
	m.ResponseStarted()

	time.Sleep(80 * time.Millisecond)
	if got := m.Status(); got != realtime.StatusPlaying {
		t.Fatalf("Status() = %v after disarmed watchdog window, want playing", got)
	}
}

func TestTurnMachine_OnChangeSeesEveryTransition(t *testing.T) {
	t.Parallel()
	m := realtime.NewTurnMachine(0)

	var mu sync.Mutex
	var seen []realtime.Status
	m.OnChange(func(s realtime.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	m.BeginListening()
	m.BeginProcessing()
	m.ResponseStarted()
	m.TextDone()
	m.AudioDrained()

	want := []realtime.Status{
		realtime.StatusListening,
		realtime.StatusProcessing,
		realtime.StatusPlaying,
		realtime.StatusFinished,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("saw %d transitions %v, want %v", len(seen), seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, seen[i], want[i])
		}
	}
}
