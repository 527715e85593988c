package contextstore_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-voice/parley/internal/contextstore"
)

const testEmbeddingDims = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLEY_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a store against a clean schema.
func newTestStore(t *testing.T, opts ...contextstore.Option) *contextstore.Postgres {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, table := range []string{"profiles", "content_entries", "knowledge_entries"} {
		if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			t.Fatalf("dropping %s: %v", table, err)
		}
	}

	store, err := contextstore.New(ctx, dsn, testEmbeddingDims, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// fixedEmbedder returns the same vector for every text; enough to exercise
// the vector column round trip.
type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, nil
}

func TestPostgres_ProfileRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := contextstore.Profile{
		UserID: "user-1",
		Name:   "Ana",
		Level:  "B1",
		Goals:  []string{"travel", "work"},
	}
	if err := store.UpsertProfile(ctx, want); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	got, err := store.Profile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got.Name != want.Name || got.Level != want.Level || len(got.Goals) != 2 {
		t.Fatalf("Profile = %+v, want %+v", got, want)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}

	if _, err := store.Profile(ctx, "nobody"); !errors.Is(err, contextstore.ErrNotFound) {
		t.Fatalf("Profile(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestPostgres_RecentContentNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := store.AddContent(ctx, contextstore.ContentEntry{
			ID: id, UserID: "user-1", Title: "title " + id, Body: "body",
		}); err != nil {
			t.Fatalf("AddContent(%s): %v", id, err)
		}
	}

	entries, err := store.RecentContent(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("RecentContent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].CreatedAt.Before(entries[1].CreatedAt) {
		t.Fatal("entries not newest first")
	}
}

func TestPostgres_KeywordKnowledgeSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddKnowledge(ctx, contextstore.KnowledgeEntry{
		ID: "k1", Topic: "ordering food", Body: "how to order in a restaurant",
		Keywords: []string{"restaurant", "food", "ordering"},
	}); err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}
	if err := store.AddKnowledge(ctx, contextstore.KnowledgeEntry{
		ID: "k2", Topic: "weather talk", Body: "small talk about weather",
		Keywords: []string{"weather", "rain"},
	}); err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}

	results, err := store.SearchKnowledge(ctx, "ordering food at a restaurant", 5)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(results) == 0 || results[0].Entry.ID != "k1" {
		t.Fatalf("SearchKnowledge results = %+v, want k1 first", results)
	}
}

func TestPostgres_SemanticSearchMergesResults(t *testing.T) {
	store := newTestStore(t, contextstore.WithEmbedder(fixedEmbedder{vec: []float32{1, 0, 0, 0}}))
	ctx := context.Background()

	// No keyword overlap with the query; only the vector path can find it.
	if err := store.AddKnowledge(ctx, contextstore.KnowledgeEntry{
		ID: "sem", Topic: "idioms", Body: "common idioms", Keywords: []string{"idioms"},
	}); err != nil {
		t.Fatalf("AddKnowledge: %v", err)
	}

	results, err := store.SearchKnowledge(ctx, "zzz qqq xxx", 5)
	if err != nil {
		t.Fatalf("SearchKnowledge: %v", err)
	}
	if len(results) != 1 || results[0].Entry.ID != "sem" {
		t.Fatalf("semantic-only search = %+v, want the sem entry", results)
	}
	if results[0].Score <= 0.9 {
		t.Fatalf("identical vectors scored %v, want near 1", results[0].Score)
	}
}
