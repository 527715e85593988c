package contextstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
    user_id    TEXT         PRIMARY KEY,
    name       TEXT         NOT NULL DEFAULT '',
    level      TEXT         NOT NULL DEFAULT '',
    goals      TEXT[]       NOT NULL DEFAULT '{}',
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlContent = `
CREATE TABLE IF NOT EXISTS content_entries (
    id         TEXT         PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    title      TEXT         NOT NULL DEFAULT '',
    body       TEXT         NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_content_entries_user_created
    ON content_entries (user_id, created_at DESC);
`

const ddlKnowledge = `
CREATE TABLE IF NOT EXISTS knowledge_entries (
    id        TEXT    PRIMARY KEY,
    topic     TEXT    NOT NULL DEFAULT '',
    body      TEXT    NOT NULL,
    keywords  TEXT[]  NOT NULL DEFAULT '{}',
    embedding vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_entries_topic
    ON knowledge_entries (topic);
`

const ddlKnowledgeVectorIndex = `
CREATE INDEX IF NOT EXISTS idx_knowledge_entries_embedding
    ON knowledge_entries USING hnsw (embedding vector_cosine_ops);
`

// Migrate installs the pgvector extension and creates all tables. Idempotent;
// embeddingDims fixes the vector column width on first creation.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		ddlProfiles,
		ddlContent,
		fmt.Sprintf(ddlKnowledge, embeddingDims),
		ddlKnowledgeVectorIndex,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("contextstore: migrate: %w", err)
		}
	}
	return nil
}
