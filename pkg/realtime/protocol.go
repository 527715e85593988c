// Package realtime implements the client-side conversation engine for the
// upstream realtime speech protocol: microphone capture and 20 ms PCM16
// framing, a playback queue with pause/resume and barge-in flush, transcript
// reveal paced to audible playback, and the turn state machine that ties them
// together.
//
// A [Conversation] holds one WebSocket connection to the relay and exchanges
// JSON events with the upstream model through it. Audio is transmitted as
// base64-encoded PCM16 chunks in both directions.
package realtime

import (
	"encoding/json"
	"strings"
)

// Outbound event type names.
const (
	typeSessionUpdate   = "session.update"
	typeAudioAppend     = "input_audio_buffer.append"
	typeAudioCommit     = "input_audio_buffer.commit"
	typeResponseCreate  = "response.create"
	typeResponseCancel  = "response.cancel"
	typeItemCreate      = "conversation.item.create"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
	Tools             []tool `json:"tools,omitempty"`
}

type tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// ServerErrorDetail is the nested error object of an upstream error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ServerErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ServerEvent is the decoded form of one upstream event. Field presence
// depends on the event type; use [ServerEvent.Kind] to dispatch.
type ServerEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.text.delta / response.output_text.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// session.created
	Session *sessionInfo `json:"session,omitempty"`

	// error
	Error *ServerErrorDetail `json:"error,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

// EventKind classifies upstream events into the variants the engine handles.
// Unknown event types map to [KindUnhandled] rather than failing decode.
type EventKind int

const (
	KindUnhandled EventKind = iota
	KindSessionCreated
	KindAudioDelta
	KindAudioDone
	KindTextDelta
	KindResponseDone
	KindFunctionCall
	KindError
)

// String returns the variant name for logs.
func (k EventKind) String() string {
	switch k {
	case KindSessionCreated:
		return "session.created"
	case KindAudioDelta:
		return "audio.delta"
	case KindAudioDone:
		return "audio.done"
	case KindTextDelta:
		return "text.delta"
	case KindResponseDone:
		return "response.done"
	case KindFunctionCall:
		return "function_call"
	case KindError:
		return "error"
	default:
		return "unhandled"
	}
}

// Kind maps the wire event type to its [EventKind]. Both the legacy
// response.text.delta and the newer response.output_text.delta names carry
// the assistant's text stream.
func (e *ServerEvent) Kind() EventKind {
	switch e.Type {
	case "session.created":
		return KindSessionCreated
	case "response.audio.delta":
		return KindAudioDelta
	case "response.audio.done":
		return KindAudioDone
	case "response.text.delta", "response.output_text.delta",
		"response.audio_transcript.delta":
		return KindTextDelta
	case "response.done":
		return KindResponseDone
	case "response.function_call_arguments.done":
		return KindFunctionCall
	case "error":
		return KindError
	default:
		return KindUnhandled
	}
}

// ParseServerEvent decodes one upstream frame. Malformed JSON returns an
// error; a well-formed event of unknown type succeeds with KindUnhandled.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ── Benign notice classification ──────────────────────────────────────────────

// benignSubstrings enumerates upstream error messages that are expected races
// rather than failures — typically a response.cancel arriving after the
// response already completed. Matching is case-insensitive substring.
var benignSubstrings = []string{
	"no active response",
	"cancellation failed",
	"already completed",
	"buffer too small",
	"buffer is empty",
}

// IsBenignNotice reports whether an upstream error payload is harmless and
// must be swallowed (logged, never surfaced). An empty payload — no detail
// object, or a detail with no message and no code — is always benign.
func IsBenignNotice(detail *ServerErrorDetail) bool {
	if detail == nil {
		return true
	}
	if detail.Message == "" && detail.Code == "" {
		return true
	}
	msg := strings.ToLower(detail.Message)
	for _, s := range benignSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
