// Package bridge answers the model's grounding-context function calls. One
// call fans out concurrently to the context store (profile, recent content,
// matching knowledge) and always produces a payload, empty on failure, so an
// in-flight model turn can never stall on context retrieval.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-voice/parley/internal/contextstore"
	"github.com/parley-voice/parley/pkg/realtime"
)

// ToolName is the function name the model calls for grounding context.
const ToolName = "fetch_context"

const (
	defaultContentLimit   = 3
	defaultKnowledgeLimit = 5
	defaultLookupTimeout  = 5 * time.Second
)

// Bridge resolves grounding-context function calls against a
// [contextstore.Store].
type Bridge struct {
	store          contextstore.Store
	contentLimit   int
	knowledgeLimit int
	lookupTimeout  time.Duration
	log            *slog.Logger

	// OnLookup, if set, observes every lookup with its duration and
	// whether any part of it failed.
	OnLookup func(d time.Duration, failed bool)
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithContentLimit caps the recent-content entries per payload.
func WithContentLimit(n int) Option {
	return func(b *Bridge) { b.contentLimit = n }
}

// WithKnowledgeLimit caps the knowledge entries per payload.
func WithKnowledgeLimit(n int) Option {
	return func(b *Bridge) { b.knowledgeLimit = n }
}

// WithLookupTimeout bounds one whole fan-out lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.lookupTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// New creates a Bridge over store.
func New(store contextstore.Store, opts ...Option) *Bridge {
	b := &Bridge{
		store:          store,
		contentLimit:   defaultContentLimit,
		knowledgeLimit: defaultKnowledgeLimit,
		lookupTimeout:  defaultLookupTimeout,
		log:            slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Tool declares the function for the upstream session configuration. It is
// a package function rather than a method so clients can advertise the tool
// without holding a store-backed Bridge; the relay side resolves the calls.
func Tool() realtime.ToolDefinition {
	return realtime.ToolDefinition{
		Name:        ToolName,
		Description: "Fetch grounding context about the current learner: their profile, recently presented content, and background knowledge matching a topic query.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user_id": map[string]any{
					"type":        "string",
					"description": "The learner's user id.",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Topic or phrase to match knowledge against.",
				},
			},
			"required": []string{"user_id"},
		},
	}
}

type callArguments struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

type payload struct {
	Profile       *profilePayload    `json:"profile"`
	RecentContent []contentPayload   `json:"recent_content"`
	Knowledge     []knowledgePayload `json:"knowledge"`
}

type profilePayload struct {
	Name  string   `json:"name,omitempty"`
	Level string   `json:"level,omitempty"`
	Goals []string `json:"goals,omitempty"`
}

type contentPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

type knowledgePayload struct {
	Topic string  `json:"topic,omitempty"`
	Body  string  `json:"body"`
	Score float64 `json:"score"`
}

// emptyPayload is what the model receives when context retrieval fails
// outright. Explicit empty fields rather than an error keep the turn moving.
func emptyPayload() string {
	data, _ := json.Marshal(payload{
		RecentContent: []contentPayload{},
		Knowledge:     []knowledgePayload{},
	})
	return string(data)
}

// Handle implements [realtime.FunctionCallHandler] for [ToolName]. The three
// store lookups run concurrently; each failed part degrades to empty rather
// than failing the call, and the assembled payload is always valid JSON.
func (b *Bridge) Handle(ctx context.Context, name, arguments string) (string, error) {
	if name != ToolName {
		return emptyPayload(), fmt.Errorf("bridge: unknown function %q", name)
	}
	var args callArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return emptyPayload(), fmt.Errorf("bridge: decoding arguments: %w", err)
	}
	if args.UserID == "" {
		return emptyPayload(), errors.New("bridge: arguments missing user_id")
	}

	ctx, cancel := context.WithTimeout(ctx, b.lookupTimeout)
	defer cancel()
	start := time.Now()

	var (
		profile   *profilePayload
		content   []contentPayload
		knowledge []knowledgePayload

		profileFailed, contentFailed, knowledgeFailed bool
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prof, err := b.store.Profile(ctx, args.UserID)
		if errors.Is(err, contextstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			b.log.Warn("context profile lookup failed", "user_id", args.UserID, "err", err)
			profileFailed = true
			return nil
		}
		profile = &profilePayload{Name: prof.Name, Level: prof.Level, Goals: prof.Goals}
		return nil
	})
	g.Go(func() error {
		entries, err := b.store.RecentContent(ctx, args.UserID, b.contentLimit)
		if err != nil {
			b.log.Warn("recent content lookup failed", "user_id", args.UserID, "err", err)
			contentFailed = true
			return nil
		}
		for _, e := range entries {
			content = append(content, contentPayload{Title: e.Title, Body: e.Body})
		}
		return nil
	})
	g.Go(func() error {
		if args.Query == "" {
			return nil
		}
		results, err := b.store.SearchKnowledge(ctx, args.Query, b.knowledgeLimit)
		if err != nil {
			b.log.Warn("knowledge search failed", "query", args.Query, "err", err)
			knowledgeFailed = true
			return nil
		}
		for _, r := range results {
			knowledge = append(knowledge, knowledgePayload{Topic: r.Entry.Topic, Body: r.Entry.Body, Score: r.Score})
		}
		return nil
	})
	g.Wait()

	if b.OnLookup != nil {
		b.OnLookup(time.Since(start), profileFailed || contentFailed || knowledgeFailed)
	}

	if content == nil {
		content = []contentPayload{}
	}
	if knowledge == nil {
		knowledge = []knowledgePayload{}
	}
	data, err := json.Marshal(payload{Profile: profile, RecentContent: content, Knowledge: knowledge})
	if err != nil {
		return emptyPayload(), fmt.Errorf("bridge: encoding payload: %w", err)
	}
	return string(data), nil
}
