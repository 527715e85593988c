package resilience

import (
	"context"
	"errors"

	"github.com/parley-voice/parley/internal/contextstore"
)

// GuardedStore wraps a [contextstore.Store] behind a single circuit breaker.
// The context bridge sits on the live conversation path; when the database is
// down, failing fast here keeps function-call turns inside their budget
// instead of stacking up connection timeouts.
type GuardedStore struct {
	inner   contextstore.Store
	breaker *CircuitBreaker
}

// Compile-time interface assertion.
var _ contextstore.Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner with a breaker built from cfg.
func NewGuardedStore(inner contextstore.Store, cfg CircuitBreakerConfig) *GuardedStore {
	if cfg.Name == "" {
		cfg.Name = "contextstore"
	}
	return &GuardedStore{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Profile implements [contextstore.Store]. A not-found result is a healthy
// answer and never counts against the breaker.
func (g *GuardedStore) Profile(ctx context.Context, userID string) (contextstore.Profile, error) {
	var (
		out      contextstore.Profile
		notFound error
	)
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.Profile(ctx, userID)
		if errors.Is(err, contextstore.ErrNotFound) {
			notFound = err
			return nil
		}
		return err
	})
	if err == nil && notFound != nil {
		return contextstore.Profile{}, notFound
	}
	return out, err
}

// RecentContent implements [contextstore.Store].
func (g *GuardedStore) RecentContent(ctx context.Context, userID string, limit int) ([]contextstore.ContentEntry, error) {
	var out []contextstore.ContentEntry
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.RecentContent(ctx, userID, limit)
		return err
	})
	return out, err
}

// SearchKnowledge implements [contextstore.Store].
func (g *GuardedStore) SearchKnowledge(ctx context.Context, query string, limit int) ([]contextstore.KnowledgeResult, error) {
	var out []contextstore.KnowledgeResult
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.SearchKnowledge(ctx, query, limit)
		return err
	})
	return out, err
}

// BreakerState exposes the breaker state for health reporting.
func (g *GuardedStore) BreakerState() State {
	return g.breaker.State()
}
