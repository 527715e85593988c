package realtime_test

import (
	"testing"

	"github.com/parley-voice/parley/pkg/realtime"
)

func TestParseServerEvent_KindDispatch(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data string
		want realtime.EventKind
	}{
		{"session created", `{"type":"session.created","session":{"id":"sess_1"}}`, realtime.KindSessionCreated},
		{"audio delta", `{"type":"response.audio.delta","delta":"AAAA"}`, realtime.KindAudioDelta},
		{"audio done", `{"type":"response.audio.done"}`, realtime.KindAudioDone},
		{"text delta", `{"type":"response.text.delta","delta":"hi"}`, realtime.KindTextDelta},
		{"output text delta", `{"type":"response.output_text.delta","delta":"hi"}`, realtime.KindTextDelta},
		{"response done", `{"type":"response.done"}`, realtime.KindResponseDone},
		{"function call", `{"type":"response.function_call_arguments.done","name":"fetch_profile","arguments":"{}","call_id":"call_1"}`, realtime.KindFunctionCall},
		{"error", `{"type":"error","error":{"type":"invalid_request_error","message":"boom"}}`, realtime.KindError},
		{"unknown type", `{"type":"rate_limits.updated"}`, realtime.KindUnhandled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ev, err := realtime.ParseServerEvent([]byte(tc.data))
			if err != nil {
				t.Fatalf("ParseServerEvent: %v", err)
			}
			if got := ev.Kind(); got != tc.want {
				t.Fatalf("Kind() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseServerEvent_RejectsMalformedJSON(t *testing.T) {
	t.Parallel()
	if _, err := realtime.ParseServerEvent([]byte(`{"type":`)); err == nil {
		t.Fatal("ParseServerEvent accepted truncated JSON")
	}
}

func TestIsBenignNotice(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		detail *realtime.ServerErrorDetail
		want   bool
	}{
		{"nil detail", nil, true},
		{"empty payload", &realtime.ServerErrorDetail{}, true},
		{"no active response", &realtime.ServerErrorDetail{Message: "Cancellation failed: no active response found"}, true},
		{"cancellation failed", &realtime.ServerErrorDetail{Message: "cancellation failed"}, true},
		{"already completed", &realtime.ServerErrorDetail{Message: "Response res_1 already completed"}, true},
		{"empty buffer commit", &realtime.ServerErrorDetail{Message: "Error committing input audio buffer: buffer is empty"}, true},
		{"real error", &realtime.ServerErrorDetail{Type: "invalid_request_error", Message: "missing required parameter"}, false},
		{"auth error", &realtime.ServerErrorDetail{Code: "invalid_api_key", Message: "Incorrect API key provided"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := realtime.IsBenignNotice(tc.detail); got != tc.want {
				t.Fatalf("IsBenignNotice(%+v) = %v, want %v", tc.detail, got, tc.want)
			}
		})
	}
}
