package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned for lookups of unknown users or entries.
var ErrNotFound = errors.New("contextstore: not found")

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// Postgres is the production context store. All methods are safe for
// concurrent use.
type Postgres struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// Option configures a [Postgres] store.
type Option func(*Postgres)

// WithEmbedder enables semantic knowledge search. Entries written while an
// embedder is configured are embedded on insert; searches blend vector
// distance with keyword rank.
func WithEmbedder(e Embedder) Option {
	return func(p *Postgres) { p.embedder = e }
}

// New connects to the database at dsn, registers pgvector types on every
// connection and runs [Migrate].
func New(ctx context.Context, dsn string, embeddingDims int, opts ...Option) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("contextstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("contextstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("contextstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDims); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{pool: pool}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping verifies database reachability; used by the readiness checker.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Pool exposes the underlying connection pool so sibling stores (the speech
// cache) can share it instead of opening a second one.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// UpsertProfile creates or replaces a learner profile.
func (p *Postgres) UpsertProfile(ctx context.Context, profile Profile) error {
	const q = `
		INSERT INTO profiles (user_id, name, level, goals, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE SET
		    name       = EXCLUDED.name,
		    level      = EXCLUDED.level,
		    goals      = EXCLUDED.goals,
		    updated_at = now()`
	if _, err := p.pool.Exec(ctx, q, profile.UserID, profile.Name, profile.Level, profile.Goals); err != nil {
		return fmt.Errorf("contextstore: upsert profile: %w", err)
	}
	return nil
}

// Profile implements [Store].
func (p *Postgres) Profile(ctx context.Context, userID string) (Profile, error) {
	const q = `
		SELECT user_id, name, level, goals, updated_at
		FROM   profiles
		WHERE  user_id = $1`
	var prof Profile
	err := p.pool.QueryRow(ctx, q, userID).Scan(
		&prof.UserID, &prof.Name, &prof.Level, &prof.Goals, &prof.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, fmt.Errorf("%w: profile %q", ErrNotFound, userID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("contextstore: load profile: %w", err)
	}
	return prof, nil
}

// AddContent records one presented content entry.
func (p *Postgres) AddContent(ctx context.Context, entry ContentEntry) error {
	const q = `
		INSERT INTO content_entries (id, user_id, title, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title,
		    body  = EXCLUDED.body`
	if _, err := p.pool.Exec(ctx, q, entry.ID, entry.UserID, entry.Title, entry.Body); err != nil {
		return fmt.Errorf("contextstore: add content: %w", err)
	}
	return nil
}

// RecentContent implements [Store]. Results are newest first.
func (p *Postgres) RecentContent(ctx context.Context, userID string, limit int) ([]ContentEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT id, user_id, title, body, created_at
		FROM   content_entries
		WHERE  user_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`
	rows, err := p.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("contextstore: recent content: %w", err)
	}
	defer rows.Close()

	var entries []ContentEntry
	for rows.Next() {
		var e ContentEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("contextstore: scan content: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contextstore: recent content: %w", err)
	}
	return entries, nil
}

// AddKnowledge stores a knowledge snippet. With an embedder configured the
// body is embedded for semantic retrieval; without one the embedding column
// stays NULL and the entry is keyword-only.
func (p *Postgres) AddKnowledge(ctx context.Context, entry KnowledgeEntry) error {
	var embedding any
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, entry.Topic+"\n"+entry.Body)
		if err != nil {
			return fmt.Errorf("contextstore: embed knowledge: %w", err)
		}
		embedding = pgvector.NewVector(vec)
	}

	const q = `
		INSERT INTO knowledge_entries (id, topic, body, keywords, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
		    topic     = EXCLUDED.topic,
		    body      = EXCLUDED.body,
		    keywords  = EXCLUDED.keywords,
		    embedding = EXCLUDED.embedding`
	if _, err := p.pool.Exec(ctx, q, entry.ID, entry.Topic, entry.Body, entry.Keywords, embedding); err != nil {
		return fmt.Errorf("contextstore: add knowledge: %w", err)
	}
	return nil
}

// SearchKnowledge implements [Store]. Keyword rank runs over all entries;
// when an embedder is configured, vector search results are merged in, with
// an entry's final score being the best of its two ranks.
func (p *Postgres) SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeResult, error) {
	if limit <= 0 {
		limit = 5
	}

	entries, err := p.allKnowledge(ctx)
	if err != nil {
		return nil, err
	}
	results := rankByKeywords(query, entries, limit)

	if p.embedder != nil {
		semantic, err := p.semanticSearch(ctx, query, limit)
		if err != nil {
			return nil, err
		}
		results = mergeResults(results, semantic, limit)
	}
	return results, nil
}

func (p *Postgres) allKnowledge(ctx context.Context) ([]KnowledgeEntry, error) {
	const q = `SELECT id, topic, body, keywords FROM knowledge_entries`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("contextstore: load knowledge: %w", err)
	}
	defer rows.Close()

	var entries []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Body, &e.Keywords); err != nil {
			return nil, fmt.Errorf("contextstore: scan knowledge: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contextstore: load knowledge: %w", err)
	}
	return entries, nil
}

func (p *Postgres) semanticSearch(ctx context.Context, query string, limit int) ([]KnowledgeResult, error) {
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("contextstore: embed query: %w", err)
	}

	const q = `
		SELECT id, topic, body, keywords, embedding <=> $1 AS distance
		FROM   knowledge_entries
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`
	rows, err := p.pool.Query(ctx, q, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("contextstore: semantic search: %w", err)
	}
	defer rows.Close()

	var results []KnowledgeResult
	for rows.Next() {
		var r KnowledgeResult
		var distance float64
		if err := rows.Scan(&r.Entry.ID, &r.Entry.Topic, &r.Entry.Body, &r.Entry.Keywords, &distance); err != nil {
			return nil, fmt.Errorf("contextstore: scan semantic result: %w", err)
		}
		// Cosine distance in [0, 2] mapped onto a [0, 1] similarity score.
		r.Score = 1 - distance/2
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contextstore: semantic search: %w", err)
	}
	return results, nil
}

// mergeResults unions two ranked lists by entry id, keeping each entry's best
// score, and returns the top limit entries.
func mergeResults(a, b []KnowledgeResult, limit int) []KnowledgeResult {
	best := make(map[string]KnowledgeResult, len(a)+len(b))
	order := make([]string, 0, len(a)+len(b))
	for _, r := range append(append([]KnowledgeResult(nil), a...), b...) {
		if prev, ok := best[r.Entry.ID]; !ok {
			best[r.Entry.ID] = r
			order = append(order, r.Entry.ID)
		} else if r.Score > prev.Score {
			best[r.Entry.ID] = r
		}
	}

	merged := make([]KnowledgeResult, 0, len(order))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
