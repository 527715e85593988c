package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/parley-voice/parley/internal/bridge"
)

func TestContextResolver_ResolvesThroughServer(t *testing.T) {
	t.Parallel()
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/context" {
			t.Errorf("request %s %s, want POST /v1/context", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Write([]byte(`{"context":"Dana prefers short answers."}`))
	}))
	t.Cleanup(srv.Close)

	resolve := contextResolver(srv.URL+"/", "user-7")
	out, err := resolve(context.Background(), bridge.ToolName, `{"query":"preferences"}`)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.Contains(out, "short answers") {
		t.Fatalf("output = %q, want server payload", out)
	}
	// The model left user_id out of its arguments; the session's own id
	// must be filled in.
	if gotBody["user_id"] != "user-7" {
		t.Fatalf("user_id sent = %q, want session user filled in", gotBody["user_id"])
	}
	if gotBody["query"] != "preferences" {
		t.Fatalf("query sent = %q, want preferences", gotBody["query"])
	}
}

func TestContextResolver_RejectsUnknownFunction(t *testing.T) {
	t.Parallel()
	resolve := contextResolver("http://localhost:0", "user-7")
	if _, err := resolve(context.Background(), "other_tool", `{}`); err == nil {
		t.Fatal("resolving an unknown function succeeded")
	}
}

func TestContextResolver_SurfacesServerFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no grounding store", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	resolve := contextResolver(srv.URL, "user-7")
	if _, err := resolve(context.Background(), bridge.ToolName, `{}`); err == nil {
		t.Fatal("resolving against a failing server succeeded")
	}
}
