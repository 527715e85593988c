package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-voice/parley/internal/bridge"
	"github.com/parley-voice/parley/internal/speechcache"
)

// relayPath is where the websocket relay is mounted, advertised to clients
// in the session response.
const relayPath = "/v1/realtime"

// ─── Sessions ────────────────────────────────────────────────────────────────

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	RelayURL  string    `json:"relay_url"`
	Model     string    `json:"model"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleCreateSession mints a short-lived relay token for a user. The
// upstream API key never appears in the response; clients authenticate to
// the relay with the returned JWT only.
func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	sess, err := a.issuer.Issue(req.UserID)
	if err != nil {
		slog.Error("issue session token", "user", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "could not issue session")
		return
	}
	a.sessions.Register(sess)

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID: sess.ID,
		RelayURL:  relayPath,
		Model:     a.cfg.Upstream.Model,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	})
}

// ─── Context ─────────────────────────────────────────────────────────────────

type contextRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
}

// handleContext serves the same grounding payload the fetch_context tool
// returns, over plain HTTP. Useful for client prefetch and debugging.
func (a *App) handleContext(w http.ResponseWriter, r *http.Request) {
	if a.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "context store is not configured")
		return
	}

	var req contextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	args, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not encode lookup")
		return
	}
	payload, err := a.bridge.Handle(r.Context(), bridge.ToolName, string(args))
	if err != nil {
		slog.Warn("context lookup failed", "user", req.UserID, "err", err)
		writeError(w, http.StatusBadGateway, "context lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload))
}

// ─── Speech cache ────────────────────────────────────────────────────────────

type speechLookupRequest struct {
	UserID    string `json:"user_id"`
	ContentID string `json:"content_id"`
}

type speechStoreRequest struct {
	UserID     string `json:"user_id"`
	ContentID  string `json:"content_id"`
	Script     string `json:"script"`
	AudioRef   string `json:"audio_ref"`
	DurationMS int64  `json:"duration_ms"`
}

type speechResponse struct {
	Fingerprint string    `json:"fingerprint"`
	Script      string    `json:"script"`
	AudioRef    string    `json:"audio_ref"`
	DurationMS  int64     `json:"duration_ms"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func speechResponseFromEntry(e speechcache.Entry) speechResponse {
	return speechResponse{
		Fingerprint: e.Fingerprint,
		Script:      e.Script,
		AudioRef:    e.AudioRef,
		DurationMS:  e.Duration.Milliseconds(),
		ExpiresAt:   e.ExpiresAt,
	}
}

// handleSpeechLookup checks the cache before a client starts a new
// synthesis turn. A miss is a 404; the client proceeds with live synthesis
// and stores the result afterwards.
func (a *App) handleSpeechLookup(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "speech cache is not configured")
		return
	}

	var req speechLookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ContentID == "" {
		writeError(w, http.StatusBadRequest, "user_id and content_id are required")
		return
	}

	fp := speechcache.Fingerprint(req.UserID, req.ContentID, a.cfg.Upstream.Voice)
	entry, err := a.cache.Lookup(r.Context(), fp)
	if err != nil {
		if errors.Is(err, speechcache.ErrMiss) {
			a.metrics.RecordCacheLookup(r.Context(), false)
			writeError(w, http.StatusNotFound, "no cached speech for this content")
			return
		}
		slog.Warn("speech cache lookup failed", "user", req.UserID, "err", err)
		writeError(w, http.StatusBadGateway, "speech cache lookup failed")
		return
	}

	a.metrics.RecordCacheLookup(r.Context(), true)
	writeJSON(w, http.StatusOK, speechResponseFromEntry(entry))
}

// handleSpeechStore records freshly synthesized speech for later reuse.
func (a *App) handleSpeechStore(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "speech cache is not configured")
		return
	}

	var req speechStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.ContentID == "" || req.Script == "" {
		writeError(w, http.StatusBadRequest, "user_id, content_id and script are required")
		return
	}

	entry, err := a.cache.Store(r.Context(), speechcache.Entry{
		Fingerprint: speechcache.Fingerprint(req.UserID, req.ContentID, a.cfg.Upstream.Voice),
		UserID:      req.UserID,
		ContentID:   req.ContentID,
		Script:      req.Script,
		AudioRef:    req.AudioRef,
		Duration:    time.Duration(req.DurationMS) * time.Millisecond,
	})
	if err != nil {
		slog.Warn("speech cache store failed", "user", req.UserID, "err", err)
		writeError(w, http.StatusBadGateway, "speech cache store failed")
		return
	}

	writeJSON(w, http.StatusOK, speechResponseFromEntry(entry))
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
