package speechcache_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-voice/parley/internal/speechcache"
)

func TestFingerprint_Deterministic(t *testing.T) {
	t.Parallel()
	a := speechcache.Fingerprint("user-1", "content-1", "alloy")
	b := speechcache.Fingerprint("user-1", "content-1", "alloy")
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("fingerprint length %d, want 64 hex chars", len(a))
	}
}

func TestFingerprint_SensitiveToEveryInput(t *testing.T) {
	t.Parallel()
	base := speechcache.Fingerprint("user-1", "content-1", "alloy")
	variants := []string{
		speechcache.Fingerprint("user-2", "content-1", "alloy"),
		speechcache.Fingerprint("user-1", "content-2", "alloy"),
		speechcache.Fingerprint("user-1", "content-1", "verse"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base fingerprint", i)
		}
	}
}

func TestFingerprint_NoConcatenationAliasing(t *testing.T) {
	t.Parallel()
	// ("ab", "c") and ("a", "bc") must not collide.
	if speechcache.Fingerprint("ab", "c", "v") == speechcache.Fingerprint("a", "bc", "v") {
		t.Fatal("field boundaries not separated in fingerprint input")
	}
}

// ── PostgreSQL integration ────────────────────────────────────────────────────

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PARLEY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLEY_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(context.Background(), "DROP TABLE IF EXISTS speech_cache"); err != nil {
		t.Fatalf("dropping speech_cache: %v", err)
	}
	return pool
}

func TestCache_ReadThrough(t *testing.T) {
	ctx := context.Background()
	cache, err := speechcache.New(ctx, testPool(t), time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fills := 0
	fill := func(ctx context.Context) (speechcache.Entry, error) {
		fills++
		return speechcache.Entry{
			Script:   "Hello learner",
			AudioRef: "s3://speech/abc.pcm",
			Duration: 3 * time.Second,
		}, nil
	}

	first, hit, err := cache.GetOrFill(ctx, "user-1", "content-1", "alloy", fill)
	if err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	if hit {
		t.Fatal("first lookup reported a hit")
	}
	if first.Fingerprint == "" || first.ExpiresAt.IsZero() {
		t.Fatalf("stored entry incomplete: %+v", first)
	}

	second, hit, err := cache.GetOrFill(ctx, "user-1", "content-1", "alloy", fill)
	if err != nil {
		t.Fatalf("GetOrFill: %v", err)
	}
	if !hit {
		t.Fatal("second lookup missed")
	}
	if fills != 1 {
		t.Fatalf("fill ran %d times, want 1", fills)
	}
	if second.Script != first.Script || second.AudioRef != first.AudioRef || second.Duration != first.Duration {
		t.Fatalf("cached entry differs: %+v vs %+v", second, first)
	}
}

func TestCache_ExpiredEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, err := speechcache.New(ctx, testPool(t), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fp := speechcache.Fingerprint("user-1", "content-1", "alloy")
	if _, err := cache.Store(ctx, speechcache.Entry{
		Fingerprint: fp, UserID: "user-1", ContentID: "content-1",
		Script: "old", AudioRef: "ref", Duration: time.Second,
	}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := cache.Lookup(ctx, fp); !errors.Is(err, speechcache.ErrMiss) {
		t.Fatalf("Lookup of expired entry = %v, want ErrMiss", err)
	}

	// The read-through path refills after expiry.
	entry, hit, err := cache.GetOrFill(ctx, "user-1", "content-1", "alloy", func(ctx context.Context) (speechcache.Entry, error) {
		return speechcache.Entry{Script: "fresh", AudioRef: "ref2"}, nil
	})
	if err != nil {
		t.Fatalf("GetOrFill after expiry: %v", err)
	}
	if hit || entry.Script != "fresh" {
		t.Fatalf("expired entry served: hit=%v entry=%+v", hit, entry)
	}
}

func TestCache_LookupUnknownIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, err := speechcache.New(ctx, testPool(t), time.Hour)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cache.Lookup(ctx, "deadbeef"); !errors.Is(err, speechcache.ErrMiss) {
		t.Fatalf("Lookup unknown = %v, want ErrMiss", err)
	}
}
