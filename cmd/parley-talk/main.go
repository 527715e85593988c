// Command parley-talk is a terminal client for a Parley relay: it captures
// microphone audio, streams it through the relay and plays the spoken
// response while revealing the transcript in sync.
//
// Commands are read line by line from stdin:
//
//	talk        toggle the capture window (speak, then talk again to commit)
//	say <text>  submit a typed message instead of speaking
//	pause       freeze playback and transcript mid-response
//	resume      continue a paused response
//	stop        interrupt the in-flight response
//	quit        end the session
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parley-voice/parley/internal/bridge"
	"github.com/parley-voice/parley/internal/config"
	"github.com/parley-voice/parley/internal/observe"
	"github.com/parley-voice/parley/internal/resilience"
	"github.com/parley-voice/parley/pkg/audio"
	"github.com/parley-voice/parley/pkg/audio/block"
	paudio "github.com/parley-voice/parley/pkg/audio/portaudio"
	"github.com/parley-voice/parley/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	server := flag.String("server", "http://localhost:8080", "base URL of the parleyd server")
	userID := flag.String("user", "", "user id to open the session for (required)")
	backend := flag.String("backend", "portaudio", "audio backend: portaudio or block")
	rate := flag.Int("rate", 24000, "capture and playback sample rate in Hz")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	lvl := slog.LevelWarn
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "parley-talk: -user is required")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Session ticket ────────────────────────────────────────────────────────
	sess, err := createSession(ctx, *server, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-talk: create session: %v\n", err)
		return 1
	}
	fmt.Printf("session %s opened for %s (model %s)\n", sess.SessionID, *userID, sess.Model)

	// ── Audio backends ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBackends(reg)

	audioCfg := config.AudioConfig{CaptureRate: *rate, PlaybackRate: *rate, CaptureBackend: *backend}
	primary, err := reg.CreateSource(*backend, audioCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-talk: unknown backend %q (have: %s)\n",
			*backend, strings.Join(reg.SourceNames(), ", "))
		return 2
	}

	// If the device backend cannot open, fall back to the silent block source
	// so the session still works for typed input.
	capture := resilience.NewCaptureFallback(primary, *backend, resilience.FallbackConfig{})
	if *backend != "block" {
		silent, _ := reg.CreateSource("block", audioCfg)
		capture.AddFallback("block", silent)
	}

	sink, err := reg.CreateSink(*backend, audioCfg)
	if err != nil {
		slog.Warn("no playback sink for backend, responses will be silent", "backend", *backend)
		sink = discardSink{}
	}
	defer sink.Close()

	// ── Conversation ──────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	conv, err := realtime.Dial(ctx, realtime.ConversationConfig{
		URL:        relayWebsocketURL(*server, sess.RelayURL),
		Token:      sess.Token,
		SampleRate: *rate,
		Source:     capture.Open,
		Sink:       sink,
		RevealRate: 30,
		// Advertise the grounding tool and answer its calls through the
		// server's context endpoint, so the model can look the speaker up
		// mid-turn.
		Tools:          []realtime.ToolDefinition{bridge.Tool()},
		OnFunctionCall: contextResolver(*server, *userID),
		OnStatus: func(s realtime.Status) {
			fmt.Printf("\n[%s]\n", s)
		},
		OnBargeIn: func(latency time.Duration) {
			metrics.BargeInLatency.Record(ctx, latency.Seconds())
		},
		OnTurnDone: func(_ realtime.Status, d time.Duration) {
			metrics.TurnDuration.Record(ctx, d.Seconds())
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "parley-talk: connect: %v\n", err)
		return 1
	}
	defer conv.Close()

	// Transcript printer: follow the revealed prefix and print only the delta.
	printerCtx, stopPrinter := context.WithCancel(ctx)
	defer stopPrinter()
	go printTranscript(printerCtx, conv)

	fmt.Println(`ready — type "talk" to speak, "say <text>" to type, "quit" to exit`)
	return commandLoop(ctx, conv)
}

// commandLoop reads commands from stdin until EOF, quit, or signal.
func commandLoop(ctx context.Context, conv *realtime.Conversation) int {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Print("> ")
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			return 0
		case line, ok = <-lines:
			if !ok {
				return 0
			}
		}

		cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch cmd {
		case "", "help":
			fmt.Println("commands: talk, say <text>, pause, resume, stop, quit")

		case "talk":
			if conv.Status() == realtime.StatusListening {
				captured, err := conv.StopListening(ctx)
				if err != nil {
					reportErr("commit", err)
					continue
				}
				if captured == 0 {
					fmt.Println("(no audio captured)")
					continue
				}
				fmt.Printf("(committed %.1fs of audio)\n", captured.Seconds())
				continue
			}
			if err := conv.StartListening(ctx); err != nil {
				if errors.Is(err, realtime.ErrDeviceUnavailable) {
					fmt.Println("microphone unavailable — use: say <text>")
					continue
				}
				reportErr("listen", err)
				continue
			}
			fmt.Println(`(listening — "talk" again to commit)`)

		case "say":
			if arg == "" {
				fmt.Println("usage: say <text>")
				continue
			}
			if err := conv.SendText(ctx, arg); err != nil {
				reportErr("send", err)
			}

		case "pause":
			if !conv.Pause() {
				fmt.Println("(nothing to pause)")
			}

		case "resume":
			if !conv.Resume() {
				fmt.Println("(nothing to resume)")
			}

		case "stop":
			conv.Interrupt(ctx)

		case "quit", "exit":
			return 0

		default:
			fmt.Printf("unknown command %q\n", cmd)
		}
	}
}

func reportErr(op string, err error) {
	if errors.Is(err, realtime.ErrSessionClosed) {
		fmt.Println("session closed")
		os.Exit(1)
	}
	fmt.Printf("%s: %v\n", op, err)
}

// printTranscript polls the revealed transcript and prints each newly
// disclosed chunk as it becomes audible.
func printTranscript(ctx context.Context, conv *realtime.Conversation) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	metrics := observe.DefaultMetrics()
	var printed, lastDepth int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if depth := conv.QueueDepth(); depth != lastDepth {
			metrics.PlaybackQueueDepth.Add(ctx, int64(depth-lastDepth))
			lastDepth = depth
		}
		visible := conv.VisibleText()
		if len(visible) < printed {
			// A new turn reset the transcript.
			printed = 0
			fmt.Println()
		}
		if len(visible) > printed {
			fmt.Print(visible[printed:])
			printed = len(visible)
		}
	}
}

// ── Audio backend wiring ──────────────────────────────────────────────────────

func registerBackends(reg *config.Registry) {
	reg.RegisterSource("portaudio", func(cfg config.AudioConfig) (realtime.SourceFactory, error) {
		return func(sampleRate int) (audio.Source, error) {
			return paudio.NewSource(sampleRate)
		}, nil
	})
	reg.RegisterSink("portaudio", func(cfg config.AudioConfig) (audio.Sink, error) {
		return paudio.NewSink(cfg.PlaybackRate)
	})

	// block is the deviceless fallback: a capture source that delivers
	// silence at real-time pace, so the turn machinery works end to end on
	// hosts without audio hardware.
	reg.RegisterSource("block", func(cfg config.AudioConfig) (realtime.SourceFactory, error) {
		return func(sampleRate int) (audio.Source, error) {
			blockDur := 20 * time.Millisecond
			samples := sampleRate / 50
			return block.NewSource(sampleRate, func(ctx context.Context) ([]float32, error) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(blockDur):
					return make([]float32, samples), nil
				}
			}), nil
		}, nil
	})
	reg.RegisterSink("block", func(cfg config.AudioConfig) (audio.Sink, error) {
		return discardSink{}, nil
	})
}

// discardSink drops playback audio. Pacing still happens in the playback
// engine, so reveal timing stays correct.
type discardSink struct{}

func (discardSink) Write([]byte) error { return nil }
func (discardSink) Close() error       { return nil }

// ── Grounding context ─────────────────────────────────────────────────────────

// contextResolver returns a function-call handler that resolves the
// grounding tool through the server's context endpoint. The model does not
// always echo the user id back in its arguments, so the session's own id is
// filled in when missing.
func contextResolver(server, userID string) realtime.FunctionCallHandler {
	return func(ctx context.Context, name, arguments string) (string, error) {
		if name != bridge.ToolName {
			return "", fmt.Errorf("unknown function %q", name)
		}

		var args struct {
			UserID string `json:"user_id"`
			Query  string `json:"query"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("decoding %s arguments: %w", name, err)
		}
		if args.UserID == "" {
			args.UserID = userID
		}

		body, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(server, "/")+"/v1/context", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("context lookup: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("context lookup: server returned %s", resp.Status)
		}
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("context lookup: %w", err)
		}
		return string(payload), nil
	}
}

// ── Session ticket ────────────────────────────────────────────────────────────

type sessionTicket struct {
	SessionID string `json:"session_id"`
	RelayURL  string `json:"relay_url"`
	Model     string `json:"model"`
	Token     string `json:"token"`
}

// createSession asks the server to mint a relay session for userID.
func createSession(ctx context.Context, server, userID string) (*sessionTicket, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(server, "/")+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var ticket sessionTicket
	if err := json.NewDecoder(resp.Body).Decode(&ticket); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	if ticket.Token == "" || ticket.RelayURL == "" {
		return nil, errors.New("server returned an incomplete session")
	}
	return &ticket, nil
}

// relayWebsocketURL joins the server base URL with the relay path and flips
// the scheme to its websocket equivalent.
func relayWebsocketURL(server, relayPath string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server + relayPath
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + relayPath
	return u.String()
}
