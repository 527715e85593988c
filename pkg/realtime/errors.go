package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure taxonomy. Callers branch with
// [errors.Is]; wrapped messages carry the operation detail.
var (
	// ErrDeviceUnavailable means microphone permission was denied or no input
	// device exists. Reported to the user, never retried automatically.
	ErrDeviceUnavailable = errors.New("realtime: audio input device unavailable")

	// ErrSessionClosed is returned by operations on a closed conversation.
	ErrSessionClosed = errors.New("realtime: session closed")

	// ErrResponseTimeout means no payload of any kind arrived within the
	// processing watchdog window; the turn ends in the error state and can be
	// retried with a fresh turn.
	ErrResponseTimeout = errors.New("realtime: no response activity within timeout")

	// ErrTurnConflict is returned for a transition that is invalid from the
	// current turn status, e.g. resuming into a turn that no longer exists.
	ErrTurnConflict = errors.New("realtime: invalid turn transition")
)

// UpstreamError is a non-benign error payload received from the model. It
// ends the active turn but leaves the session connected.
type UpstreamError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime: upstream error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("realtime: upstream error: %s", e.Message)
}
