// Package relay bridges authenticated client WebSocket sessions to the
// upstream realtime speech endpoint. Payloads pass through byte-for-byte in
// both directions; the relay's only protocol involvement is attaching the
// upstream credential, which clients never see.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/parley-voice/parley/internal/token"
)

// ErrRelayOverloaded is returned when a session's per-direction buffer fills
// because one leg cannot keep up with the other. The session is closed; slow
// consumers are not allowed to grow unbounded queues.
var ErrRelayOverloaded = errors.New("relay: session buffer overflow")

const (
	defaultBufferDepth = 64
	maxMessageBytes    = 1 << 22
)

// Config configures a relay [Server].
type Config struct {
	// UpstreamURL is the upstream WebSocket endpoint.
	UpstreamURL string
	// APIKey authenticates the relay against the upstream.
	APIKey string
	// Model is appended to the upstream URL as the model query parameter.
	Model string

	// Verifier validates client session tokens on upgrade.
	Verifier *token.Verifier

	// BufferDepth is the number of in-flight messages tolerated per
	// direction before the session fails with [ErrRelayOverloaded].
	BufferDepth int

	// OnMessage, if set, observes every forwarded message. Direction is
	// "client_to_upstream" or "upstream_to_client".
	OnMessage func(direction string, bytes int)
	// OnOverflow, if set, observes buffer overflows per direction.
	OnOverflow func(direction string)

	Logger *slog.Logger
}

// Server relays WebSocket sessions. It implements http.Handler for the
// upgrade endpoint.
type Server struct {
	cfg Config
	log *slog.Logger
}

// NewServer validates cfg and creates the Server.
func NewServer(cfg Config) (*Server, error) {
	var errs []error
	if cfg.UpstreamURL == "" {
		errs = append(errs, errors.New("relay: missing upstream url"))
	}
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("relay: missing upstream api key"))
	}
	if cfg.Verifier == nil {
		errs = append(errs, errors.New("relay: missing token verifier"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if cfg.BufferDepth <= 0 {
		cfg.BufferDepth = defaultBufferDepth
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, log: log}, nil
}

// ServeHTTP upgrades the client connection, pairs it with one upstream dial
// and pumps both directions until either leg ends. Closing one leg always
// closes the other.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.log.Info("relay auth rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "invalid session token", http.StatusUnauthorized)
		return
	}
	log := s.log.With("session_id", claims.SessionID, "user_id", claims.UserID)

	client, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("relay accept failed", "err", err)
		return
	}
	client.SetReadLimit(maxMessageBytes)

	upstream, err := s.dialUpstream(r.Context())
	if err != nil {
		log.Error("upstream dial failed", "err", err)
		client.Close(websocket.StatusBadGateway, "upstream unavailable")
		return
	}
	upstream.SetReadLimit(maxMessageBytes)

	log.Info("relay session open")
	err = s.pumpSession(r.Context(), client, upstream)
	switch {
	case err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
		log.Info("relay session closed")
	case errors.Is(err, ErrRelayOverloaded):
		log.Warn("relay session overloaded")
	default:
		log.Info("relay session ended", "err", err)
	}

	client.Close(websocket.StatusNormalClosure, "")
	upstream.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) authenticate(r *http.Request) (*token.Claims, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		// Browsers cannot set ws headers; allow the token as a query
		// parameter too.
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return nil, errors.New("relay: no session token presented")
	}
	return s.cfg.Verifier.Verify(raw)
}

func (s *Server) dialUpstream(ctx context.Context) (*websocket.Conn, error) {
	url := s.cfg.UpstreamURL
	if s.cfg.Model != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "model=" + s.cfg.Model
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("relay: dialing upstream: %w", err)
	}
	return conn, nil
}

type message struct {
	kind websocket.MessageType
	data []byte
}

// pumpSession runs the two directional pumps. The first error (including a
// clean close) cancels the whole session.
func (s *Server) pumpSession(ctx context.Context, client, upstream *websocket.Conn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pump(ctx, client, upstream, "client_to_upstream") })
	g.Go(func() error { return s.pump(ctx, upstream, client, "upstream_to_client") })
	return g.Wait()
}

// pump forwards src to dst through a bounded queue, preserving per-direction
// order. A full queue fails the session rather than blocking the reader or
// buffering without limit.
func (s *Server) pump(ctx context.Context, src, dst *websocket.Conn, direction string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan message, s.cfg.BufferDepth)
	readErr := make(chan error, 1)

	go func() {
		defer close(queue)
		for {
			kind, data, err := src.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case queue <- message{kind: kind, data: data}:
			default:
				if s.cfg.OnOverflow != nil {
					s.cfg.OnOverflow(direction)
				}
				readErr <- ErrRelayOverloaded
				// The writer is jammed on a slow dst; abort it rather
				// than draining the backlog into the jam.
				cancel()
				return
			}
		}
	}()

	for msg := range queue {
		if err := dst.Write(ctx, msg.kind, msg.data); err != nil {
			if ctx.Err() != nil {
				return <-readErr
			}
			return fmt.Errorf("relay: forwarding %s: %w", direction, err)
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(direction, len(msg.data))
		}
	}
	return <-readErr
}
