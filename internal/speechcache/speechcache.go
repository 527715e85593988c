// Package speechcache is a content-addressed read-through cache for
// previously synthesized speech. Entries are keyed by a fingerprint of user,
// content, voice and format version, so any change in those inputs misses and
// triggers fresh synthesis instead of replaying stale audio.
package speechcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FormatVersion is baked into every fingerprint. Bump it to invalidate all
// cached speech after a change in the synthesis or audio format.
const FormatVersion = "v1"

// ErrMiss is returned when no live cache entry exists for a fingerprint.
var ErrMiss = errors.New("speechcache: miss")

// Entry is one cached synthesized speech artifact.
type Entry struct {
	Fingerprint string
	UserID      string
	ContentID   string
	Script      string
	AudioRef    string
	Duration    time.Duration
	ExpiresAt   time.Time
}

// Fingerprint derives the cache key for a (user, content, voice) triple under
// the current [FormatVersion].
func Fingerprint(userID, contentID, voice string) string {
	h := sha256.New()
	for _, part := range []string{userID, contentID, voice, FormatVersion} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

const ddlSpeechCache = `
CREATE TABLE IF NOT EXISTS speech_cache (
    fingerprint TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    content_id  TEXT         NOT NULL,
    script      TEXT         NOT NULL,
    audio_ref   TEXT         NOT NULL,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    expires_at  TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_speech_cache_expires ON speech_cache (expires_at);
`

// Cache is the PostgreSQL-backed speech cache. Safe for concurrent use.
type Cache struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// New creates the cache on pool, creating its table if needed. Entries live
// for ttl after being stored.
func New(ctx context.Context, pool *pgxpool.Pool, ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("speechcache: non-positive ttl %v", ttl)
	}
	if _, err := pool.Exec(ctx, ddlSpeechCache); err != nil {
		return nil, fmt.Errorf("speechcache: migrate: %w", err)
	}
	return &Cache{pool: pool, ttl: ttl}, nil
}

// Lookup returns the live entry for fingerprint. Expired rows count as misses
// and are deleted opportunistically.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (Entry, error) {
	const q = `
		SELECT fingerprint, user_id, content_id, script, audio_ref, duration_ns, expires_at
		FROM   speech_cache
		WHERE  fingerprint = $1`
	var e Entry
	var durationNS int64
	err := c.pool.QueryRow(ctx, q, fingerprint).Scan(
		&e.Fingerprint, &e.UserID, &e.ContentID, &e.Script, &e.AudioRef, &durationNS, &e.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("speechcache: lookup: %w", err)
	}
	e.Duration = time.Duration(durationNS)

	if time.Now().After(e.ExpiresAt) {
		if _, err := c.pool.Exec(ctx, `DELETE FROM speech_cache WHERE fingerprint = $1`, fingerprint); err != nil {
			return Entry{}, fmt.Errorf("speechcache: evict expired: %w", err)
		}
		return Entry{}, ErrMiss
	}
	return e, nil
}

// Store writes or replaces the entry for its fingerprint with a fresh expiry.
func (c *Cache) Store(ctx context.Context, e Entry) (Entry, error) {
	if e.Fingerprint == "" {
		return Entry{}, errors.New("speechcache: entry missing fingerprint")
	}
	e.ExpiresAt = time.Now().Add(c.ttl)
	const q = `
		INSERT INTO speech_cache
		    (fingerprint, user_id, content_id, script, audio_ref, duration_ns, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fingerprint) DO UPDATE SET
		    script      = EXCLUDED.script,
		    audio_ref   = EXCLUDED.audio_ref,
		    duration_ns = EXCLUDED.duration_ns,
		    expires_at  = EXCLUDED.expires_at`
	_, err := c.pool.Exec(ctx, q,
		e.Fingerprint, e.UserID, e.ContentID, e.Script, e.AudioRef, int64(e.Duration), e.ExpiresAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("speechcache: store: %w", err)
	}
	return e, nil
}

// GetOrFill is the read-through path: a live entry for (userID, contentID,
// voice) is returned as-is; otherwise fill synthesizes a new entry, which is
// stored and returned. hit reports which path was taken.
func (c *Cache) GetOrFill(ctx context.Context, userID, contentID, voice string, fill func(ctx context.Context) (Entry, error)) (entry Entry, hit bool, err error) {
	fp := Fingerprint(userID, contentID, voice)
	entry, err = c.Lookup(ctx, fp)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, ErrMiss) {
		return Entry{}, false, err
	}

	entry, err = fill(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("speechcache: fill: %w", err)
	}
	entry.Fingerprint = fp
	entry.UserID = userID
	entry.ContentID = contentID
	entry, err = c.Store(ctx, entry)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, false, nil
}
