package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parley-voice/parley/internal/contextstore"
)

// flakyStore fails every call until healthy is set.
type flakyStore struct {
	healthy bool
	calls   int
}

func (s *flakyStore) Profile(ctx context.Context, userID string) (contextstore.Profile, error) {
	s.calls++
	if !s.healthy {
		return contextstore.Profile{}, errTest
	}
	return contextstore.Profile{UserID: userID, Name: "Ada"}, nil
}

func (s *flakyStore) RecentContent(ctx context.Context, userID string, limit int) ([]contextstore.ContentEntry, error) {
	s.calls++
	if !s.healthy {
		return nil, errTest
	}
	return []contextstore.ContentEntry{}, nil
}

func (s *flakyStore) SearchKnowledge(ctx context.Context, query string, limit int) ([]contextstore.KnowledgeResult, error) {
	s.calls++
	if !s.healthy {
		return nil, errTest
	}
	return []contextstore.KnowledgeResult{}, nil
}

// notFoundStore always reports an unknown user.
type notFoundStore struct{}

func (notFoundStore) Profile(ctx context.Context, userID string) (contextstore.Profile, error) {
	return contextstore.Profile{}, fmt.Errorf("profile %q: %w", userID, contextstore.ErrNotFound)
}

func (notFoundStore) RecentContent(ctx context.Context, userID string, limit int) ([]contextstore.ContentEntry, error) {
	return []contextstore.ContentEntry{}, nil
}

func (notFoundStore) SearchKnowledge(ctx context.Context, query string, limit int) ([]contextstore.KnowledgeResult, error) {
	return []contextstore.KnowledgeResult{}, nil
}

func TestGuardedStore_PassThrough(t *testing.T) {
	inner := &flakyStore{healthy: true}
	gs := NewGuardedStore(inner, CircuitBreakerConfig{MaxFailures: 3})

	p, err := gs.Profile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "Ada" {
		t.Fatalf("Profile().Name = %q, want Ada", p.Name)
	}
	if gs.BreakerState() != StateClosed {
		t.Fatalf("BreakerState() = %v, want closed", gs.BreakerState())
	}
}

func TestGuardedStore_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyStore{}
	gs := NewGuardedStore(inner, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	ctx := context.Background()
	for range 2 {
		if _, err := gs.RecentContent(ctx, "u1", 3); err == nil {
			t.Fatal("expected error from failing store")
		}
	}
	if gs.BreakerState() != StateOpen {
		t.Fatalf("BreakerState() = %v, want open", gs.BreakerState())
	}

	// Open breaker fails fast without touching the store.
	before := inner.calls
	if _, err := gs.SearchKnowledge(ctx, "fractions", 5); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("SearchKnowledge() error = %v, want ErrCircuitOpen", err)
	}
	if inner.calls != before {
		t.Fatal("open breaker should not call the inner store")
	}
}

func TestGuardedStore_NotFoundIsNotAFailure(t *testing.T) {
	gs := NewGuardedStore(notFoundStore{}, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	ctx := context.Background()
	for range 3 {
		if _, err := gs.Profile(ctx, "nobody"); !errors.Is(err, contextstore.ErrNotFound) {
			t.Fatalf("Profile() error = %v, want ErrNotFound", err)
		}
	}
	if gs.BreakerState() != StateClosed {
		t.Fatalf("BreakerState() = %v, want closed after not-found answers", gs.BreakerState())
	}
}
