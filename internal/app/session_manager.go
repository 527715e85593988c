package app

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parley-voice/parley/internal/token"
)

// pruneEvery bounds how often Register sweeps expired sessions, so a busy
// token endpoint does not pay the sweep cost on every call.
const pruneEvery = time.Minute

// SessionInfo holds metadata about an issued session.
type SessionInfo struct {
	// SessionID is the unique identifier minted by the token issuer.
	SessionID string

	// UserID is the learner the session was issued for.
	UserID string

	// IssuedAt is when the session token was minted.
	IssuedAt time.Time

	// ExpiresAt is when the session token stops being accepted.
	ExpiresAt time.Time
}

// SessionManager tracks issued relay sessions. Entries are advisory — the
// relay enforces expiry cryptographically via the JWT; the manager only
// exists so operators can see who was issued what and when.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu        sync.Mutex
	ttl       time.Duration
	sessions  map[string]SessionInfo
	lastPrune time.Time
}

// NewSessionManager creates a SessionManager. The ttl mirrors the token
// issuer's and drives expiry pruning.
func NewSessionManager(ttl time.Duration) *SessionManager {
	return &SessionManager{
		ttl:      ttl,
		sessions: make(map[string]SessionInfo),
	}
}

// Register records a freshly issued session.
func (sm *SessionManager) Register(sess token.Session) {
	now := time.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.sessions[sess.ID] = SessionInfo{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		IssuedAt:  now,
		ExpiresAt: sess.ExpiresAt,
	}

	if now.Sub(sm.lastPrune) >= pruneEvery {
		sm.pruneLocked(now)
		sm.lastPrune = now
	}

	slog.Debug("session registered",
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"expires_at", sess.ExpiresAt,
	)
}

// Lookup returns the info for a session id, if it is still live.
func (sm *SessionManager) Lookup(sessionID string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	info, ok := sm.sessions[sessionID]
	if !ok || time.Now().After(info.ExpiresAt) {
		return SessionInfo{}, false
	}
	return info, true
}

// Live returns the number of unexpired issued sessions.
func (sm *SessionManager) Live() int {
	now := time.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.pruneLocked(now)
	return len(sm.sessions)
}

// Prune drops expired sessions immediately.
func (sm *SessionManager) Prune() {
	now := time.Now()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.pruneLocked(now)
	sm.lastPrune = now
}

func (sm *SessionManager) pruneLocked(now time.Time) {
	for id, info := range sm.sessions {
		if now.After(info.ExpiresAt) {
			delete(sm.sessions, id)
		}
	}
}
