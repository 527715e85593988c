// Package contextstore is the PostgreSQL-backed store of grounding context
// for conversations: learner profiles, presented content and knowledge
// snippets. Knowledge retrieval ranks by fuzzy keyword overlap and, when an
// embeddings provider is configured, blends in pgvector semantic search.
package contextstore

import (
	"context"
	"time"
)

// Profile describes one learner the model is speaking with.
type Profile struct {
	UserID    string
	Name      string
	Level     string
	Goals     []string
	UpdatedAt time.Time
}

// ContentEntry is one piece of content previously presented to a user.
type ContentEntry struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	CreatedAt time.Time
}

// KnowledgeEntry is one snippet of background knowledge retrievable by
// keyword or semantic match.
type KnowledgeEntry struct {
	ID       string
	Topic    string
	Body     string
	Keywords []string
}

// KnowledgeResult pairs an entry with its retrieval score in [0, 1].
type KnowledgeResult struct {
	Entry KnowledgeEntry
	Score float64
}

// Store is what the context bridge and the HTTP context endpoint consume.
// *Postgres is the production implementation.
type Store interface {
	Profile(ctx context.Context, userID string) (Profile, error)
	RecentContent(ctx context.Context, userID string, limit int) ([]ContentEntry, error)
	SearchKnowledge(ctx context.Context, query string, limit int) ([]KnowledgeResult, error)
}
