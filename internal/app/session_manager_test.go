package app_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/parley-voice/parley/internal/app"
	"github.com/parley-voice/parley/internal/token"
)

func newSession(id, userID string, ttl time.Duration) token.Session {
	return token.Session{
		ID:        id,
		UserID:    userID,
		Token:     "tok-" + id,
		ExpiresAt: time.Now().Add(ttl),
	}
}

func TestSessionManager_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	sm := app.NewSessionManager(time.Hour)

	sm.Register(newSession("sess-1", "learner_7", time.Hour))

	info, ok := sm.Lookup("sess-1")
	if !ok {
		t.Fatal("Lookup(sess-1) = false, want true")
	}
	if info.UserID != "learner_7" {
		t.Errorf("info.UserID = %q, want learner_7", info.UserID)
	}
	if info.SessionID != "sess-1" {
		t.Errorf("info.SessionID = %q, want sess-1", info.SessionID)
	}

	if _, ok := sm.Lookup("no-such-session"); ok {
		t.Error("Lookup of unknown session returned true")
	}
}

func TestSessionManager_ExpiredSessionInvisible(t *testing.T) {
	t.Parallel()
	sm := app.NewSessionManager(time.Hour)

	sm.Register(newSession("stale", "learner_7", -time.Minute))

	if _, ok := sm.Lookup("stale"); ok {
		t.Error("Lookup returned an expired session")
	}
}

func TestSessionManager_LiveAndPrune(t *testing.T) {
	t.Parallel()
	sm := app.NewSessionManager(time.Hour)

	sm.Register(newSession("live-1", "a", time.Hour))
	sm.Register(newSession("live-2", "b", time.Hour))
	sm.Register(newSession("stale-1", "c", -time.Second))

	if got := sm.Live(); got != 2 {
		t.Errorf("Live() = %d, want 2", got)
	}

	sm.Prune()
	if _, ok := sm.Lookup("stale-1"); ok {
		t.Error("stale session survived Prune")
	}
	if got := sm.Live(); got != 2 {
		t.Errorf("Live() after Prune = %d, want 2", got)
	}
}

func TestSessionManager_ConcurrentRegister(t *testing.T) {
	t.Parallel()
	sm := app.NewSessionManager(time.Hour)

	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := range 25 {
				sm.Register(newSession(fmt.Sprintf("s-%d-%d", i, j), "u", time.Hour))
			}
		}()
	}
	for range 8 {
		<-done
	}

	if got := sm.Live(); got != 200 {
		t.Errorf("Live() = %d, want 200", got)
	}
}
