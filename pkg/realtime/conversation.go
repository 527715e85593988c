package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-voice/parley/pkg/audio"
)

// ToolDefinition declares one function the model may call mid-conversation.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// FunctionCallHandler resolves a model function call to its JSON result
// payload. A failing handler must still yield a payload the model can work
// with; returning an error here only logs it.
type FunctionCallHandler func(ctx context.Context, name, arguments string) (string, error)

// ConversationConfig configures a [Conversation].
type ConversationConfig struct {
	// URL is the relay WebSocket endpoint.
	URL string
	// Token authenticates against the relay, sent as a bearer token.
	Token string

	// Voice and Instructions parameterize the upstream session.
	Voice        string
	Instructions string
	Tools        []ToolDefinition

	// SampleRate applies to capture and playback PCM16 audio.
	// Defaults to 24000.
	SampleRate int

	// Source opens the capture device for a listening window.
	Source SourceFactory
	// Sink receives playback PCM16 audio.
	Sink audio.Sink

	// RevealRate is the transcript disclosure speed in characters per
	// second. RevealTick is how often the visible prefix advances.
	RevealRate float64
	RevealTick time.Duration

	// PlaybackTick is the playback scheduling quantum.
	PlaybackTick time.Duration

	// ProcessingTimeout bounds how long a committed turn may wait for the
	// first response activity.
	ProcessingTimeout time.Duration

	// OnFunctionCall handles model function calls. Optional.
	OnFunctionCall FunctionCallHandler
	// OnStatus observes turn status transitions. Optional.
	OnStatus func(Status)
	// OnBargeIn observes each interrupt with its latency, measured from the
	// interrupt request to audible silence. Optional.
	OnBargeIn func(latency time.Duration)
	// OnTurnDone observes each terminal turn with its total duration.
	// Optional.
	OnTurnDone func(status Status, d time.Duration)

	Logger *slog.Logger
}

const defaultSampleRate = 24000

// Conversation is one live spoken exchange with the upstream model: a single
// WebSocket to the relay plus the capture, playback, reveal and turn
// machinery around it.
//
// All methods are safe for concurrent use. A failed turn leaves the
// conversation usable; only [Conversation.Close] or a dropped connection ends
// the session.
type Conversation struct {
	cfg  ConversationConfig
	log  *slog.Logger
	conn *websocket.Conn

	playback *PlaybackEngine
	reveal   *Synchronizer
	turn     *TurnMachine
	capture  *CaptureController

	writeMu sync.Mutex

	// responseLive is true from the moment a response.create is written (or
	// a server-initiated response's first delta arrives) until that
	// response's response.done. cancelPending counts cancelled responses
	// whose trailing events are still in flight; their deltas and final
	// done must not leak into the turn that follows the barge-in.
	mu            sync.Mutex
	responseLive  bool
	cancelPending int
	turnStart     time.Time

	closeOnce sync.Once
	closed    chan struct{}
	recvDone  chan struct{}
}

// Dial connects to the relay, configures the upstream session and starts the
// receive loop.
func Dial(ctx context.Context, cfg ConversationConfig) (*Conversation, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.RevealTick <= 0 {
		cfg.RevealTick = defaultRevealTick
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	conn.SetReadLimit(1 << 22) // audio deltas routinely exceed the default

	c := &Conversation{
		cfg:      cfg,
		log:      log,
		conn:     conn,
		reveal:   NewSynchronizer(cfg.RevealRate),
		turn:     NewTurnMachine(cfg.ProcessingTimeout),
		closed:   make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	c.playback = NewPlaybackEngine(PlaybackConfig{
		SampleRate: cfg.SampleRate,
		Tick:       cfg.PlaybackTick,
		Sink:       cfg.Sink,
	})
	c.playback.OnDrained(c.turn.AudioDrained)
	c.capture = NewCaptureController(cfg.Source, cfg.SampleRate, c.sendFrame)
	c.turn.OnChange(c.statusChanged)

	if err := c.writeJSON(ctx, sessionUpdateMessage{
		Type: typeSessionUpdate,
		Session: sessionParams{
			Voice:             cfg.Voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			Tools:             toolParams(cfg.Tools),
		},
	}); err != nil {
		conn.Close(websocket.StatusInternalError, "session setup failed")
		c.playback.Close()
		return nil, fmt.Errorf("configuring session: %w", err)
	}

	go c.receiveLoop()
	go c.revealLoop()
	return c, nil
}

func toolParams(defs []ToolDefinition) []tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]tool, len(defs))
	for i, d := range defs {
		tools[i] = tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return tools
}

// StartListening opens a capture window. If a response is in flight it is
// barged in first: playback flushes, unrevealed text is discarded and the
// upstream generation is cancelled before the microphone opens.
func (c *Conversation) StartListening(ctx context.Context) error {
	c.Interrupt(ctx)
	if err := c.turn.BeginListening(); err != nil {
		return err
	}
	c.markTurnStart()
	c.reveal.Reset()
	if err := c.capture.Start(ctx); err != nil {
		c.turn.Fail(err)
		return err
	}
	return nil
}

// StopListening closes the capture window and returns how much audio it
// captured. A zero-duration window sends nothing upstream and the turn is
// discarded. Otherwise the buffered audio is committed; a response is
// requested unless one is still open upstream — live or cancelled but not
// yet acknowledged — so two responses never run concurrently.
func (c *Conversation) StopListening(ctx context.Context) (time.Duration, error) {
	captured := c.capture.Stop()
	if captured == 0 {
		c.turn.Stop()
		return 0, nil
	}

	if err := c.writeJSON(ctx, map[string]string{"type": typeAudioCommit}); err != nil {
		c.turn.Fail(err)
		return captured, err
	}

	if !c.responseOpen() {
		if err := c.requestResponse(ctx); err != nil {
			c.turn.Fail(err)
			return captured, err
		}
	}

	if err := c.turn.BeginProcessing(); err != nil {
		return captured, err
	}
	return captured, nil
}

// SendText submits a typed user message and requests a response, driving the
// same turn lifecycle as a spoken exchange.
func (c *Conversation) SendText(ctx context.Context, text string) error {
	c.Interrupt(ctx)
	if err := c.turn.BeginListening(); err != nil {
		return err
	}
	c.markTurnStart()
	c.reveal.Reset()
	msg := createItemMessage{
		Type: typeItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		c.turn.Fail(err)
		return err
	}
	if err := c.requestResponse(ctx); err != nil {
		c.turn.Fail(err)
		return err
	}
	return c.turn.BeginProcessing()
}

// requestResponse writes a response.create and records the response as live
// so subsequent commits ride along without requesting a second one.
func (c *Conversation) requestResponse(ctx context.Context) error {
	if err := c.writeJSON(ctx, map[string]string{"type": typeResponseCreate}); err != nil {
		return err
	}
	c.mu.Lock()
	c.responseLive = true
	c.mu.Unlock()
	return nil
}

// responseOpen reports whether any response is still open upstream: either a
// live one or a cancelled one whose response.done has not yet arrived.
func (c *Conversation) responseOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseLive || c.cancelPending > 0
}

// Pause freezes playback and transcript reveal mid-turn. Returns false if
// nothing was playing.
func (c *Conversation) Pause() bool {
	if !c.turn.Pause() {
		return false
	}
	c.playback.Pause()
	return true
}

// Resume continues a paused turn exactly where it froze. Returns false if
// nothing was paused.
func (c *Conversation) Resume() bool {
	if !c.turn.Resume() {
		return false
	}
	c.playback.Resume()
	return true
}

// Interrupt cuts off the in-flight response: playback flushes synchronously,
// unrevealed text is dropped and a single cancel is sent upstream. A no-op
// when no response is in flight.
func (c *Conversation) Interrupt(ctx context.Context) {
	switch c.turn.Status() {
	case StatusProcessing, StatusPlaying, StatusPaused:
	default:
		return
	}

	start := time.Now()
	c.playback.Flush()
	c.reveal.ClearPending()
	if c.cfg.OnBargeIn != nil {
		c.cfg.OnBargeIn(time.Since(start))
	}

	c.mu.Lock()
	shouldCancel := c.responseLive
	if shouldCancel {
		// The response stops being ours from here on: its remaining
		// events drain silently until its response.done arrives.
		c.responseLive = false
		c.cancelPending++
	}
	c.mu.Unlock()
	if shouldCancel {
		if err := c.writeJSON(ctx, map[string]string{"type": typeResponseCancel}); err != nil {
			c.log.Debug("sending response cancel", "err", err)
		}
	}

	c.turn.Stop()
}

// Status returns the current turn status.
func (c *Conversation) Status() Status {
	return c.turn.Status()
}

// TurnErr returns the error of a failed turn, if any.
func (c *Conversation) TurnErr() error {
	return c.turn.Err()
}

// VisibleText returns the transcript revealed so far.
func (c *Conversation) VisibleText() string {
	return c.reveal.VisibleText()
}

// FullText returns the complete transcript received so far, including text
// not yet revealed.
func (c *Conversation) FullText() string {
	return c.reveal.FullText()
}

// PlayedDuration reports how much response audio has been played.
func (c *Conversation) PlayedDuration() time.Duration {
	return c.playback.PlayedDuration()
}

// QueueDepth reports the number of response buffers queued but not yet
// playing.
func (c *Conversation) QueueDepth() int {
	return c.playback.QueueDepth()
}

// Close ends the session. In-flight capture stops and queued playback is
// discarded.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.capture.Stop()
		c.turn.Stop()
		c.playback.Close()
		c.conn.Close(websocket.StatusNormalClosure, "")
	})
	<-c.recvDone
	return nil
}

func (c *Conversation) sendFrame(f audio.Frame) {
	msg := appendAudioMessage{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(f.PCM),
	}
	if err := c.writeJSON(context.Background(), msg); err != nil {
		c.log.Debug("sending audio frame", "err", err)
	}
}

func (c *Conversation) writeJSON(ctx context.Context, v any) error {
	select {
	case <-c.closed:
		return ErrSessionClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Conversation) receiveLoop() {
	defer close(c.recvDone)
	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("relay connection lost", "err", err)
				c.turn.Fail(ErrSessionClosed)
			}
			return
		}
		ev, err := ParseServerEvent(data)
		if err != nil {
			c.log.Debug("discarding malformed event", "err", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Conversation) handleEvent(ev *ServerEvent) {
	switch ev.Kind() {
	case KindSessionCreated:
		id := ""
		if ev.Session != nil {
			id = ev.Session.ID
		}
		c.log.Debug("upstream session created", "session_id", id)

	case KindAudioDelta:
		if c.drainingCancelled() {
			c.log.Debug("dropping audio delta of cancelled response")
			return
		}
		c.mu.Lock()
		c.responseLive = true
		c.mu.Unlock()
		if err := c.playback.Enqueue(ev.Delta); err != nil {
			c.log.Debug("discarding audio delta", "err", err)
			return
		}
		c.turn.ResponseStarted()

	case KindAudioDone:
		if c.drainingCancelled() {
			return
		}
		c.playback.MarkStreamComplete()

	case KindTextDelta:
		if c.drainingCancelled() {
			c.log.Debug("dropping text delta of cancelled response")
			return
		}
		c.mu.Lock()
		c.responseLive = true
		c.mu.Unlock()
		c.turn.ResponseStarted()
		c.reveal.Append(ev.Delta)

	case KindResponseDone:
		c.mu.Lock()
		if c.cancelPending > 0 {
			// The cancelled response has fully drained; this done
			// belongs to it, not to any turn running now.
			c.cancelPending--
			c.mu.Unlock()
			return
		}
		c.responseLive = false
		c.mu.Unlock()
		c.turn.TextDone()

	case KindFunctionCall:
		go c.dispatchFunctionCall(ev.Name, ev.Arguments, ev.CallID)

	case KindError:
		if IsBenignNotice(ev.Error) {
			c.log.Debug("benign upstream notice", "message", ev.Error.Message)
			return
		}
		uerr := &UpstreamError{Message: "unknown upstream error"}
		if ev.Error != nil {
			uerr = &UpstreamError{Code: ev.Error.Code, Message: ev.Error.Message}
		}
		c.log.Warn("upstream error", "code", uerr.Code, "message", uerr.Message)
		c.mu.Lock()
		c.responseLive = false
		c.mu.Unlock()
		c.turn.Fail(uerr)

	default:
		c.log.Debug("unhandled upstream event", "type", ev.Type)
	}
}

func (c *Conversation) dispatchFunctionCall(name, arguments, callID string) {
	handler := c.cfg.OnFunctionCall
	if handler == nil {
		c.log.Warn("no handler for function call", "name", name)
		return
	}
	output, err := handler(context.Background(), name, arguments)
	if err != nil {
		c.log.Warn("function call handler failed", "name", name, "err", err)
	}
	if output == "" {
		output = "{}"
	}
	if err := c.SendFunctionResult(context.Background(), callID, output); err != nil {
		c.log.Warn("sending function call result", "name", name, "err", err)
	}
}

// SendFunctionResult returns a function call's output to the model and asks
// it to continue the response.
func (c *Conversation) SendFunctionResult(ctx context.Context, callID, output string) error {
	msg := createItemMessage{
		Type: typeItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return err
	}
	return c.requestResponse(ctx)
}

// drainingCancelled reports whether inbound response events still belong to
// a cancelled response and must be discarded.
func (c *Conversation) drainingCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelPending > 0
}

func (c *Conversation) statusChanged(s Status) {
	switch s {
	case StatusPlaying:
		c.reveal.SetActive(true, time.Now())
	case StatusPaused:
		c.reveal.SetActive(false, time.Now())
	case StatusFinished:
		c.reveal.RevealAll()
		c.reveal.SetActive(false, time.Now())
	case StatusStopped, StatusError:
		c.reveal.SetActive(false, time.Now())
	}
	if s.Terminal() && c.cfg.OnTurnDone != nil {
		c.mu.Lock()
		start := c.turnStart
		c.turnStart = time.Time{}
		c.mu.Unlock()
		if !start.IsZero() {
			c.cfg.OnTurnDone(s, time.Since(start))
		}
	}
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

func (c *Conversation) markTurnStart() {
	c.mu.Lock()
	c.turnStart = time.Now()
	c.mu.Unlock()
}

func (c *Conversation) revealLoop() {
	ticker := time.NewTicker(c.cfg.RevealTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case now := <-ticker.C:
			c.reveal.Tick(now)
		}
	}
}
