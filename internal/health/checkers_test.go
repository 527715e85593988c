package health

import (
	"context"
	"errors"
	"testing"
)

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestDatabaseChecker(t *testing.T) {
	ctx := context.Background()

	if err := Database(stubPinger{}).Check(ctx); err != nil {
		t.Errorf("healthy pinger: unexpected error %v", err)
	}
	if err := Database(stubPinger{err: errors.New("down")}).Check(ctx); err == nil {
		t.Error("failing pinger: expected error")
	}
	if err := Database(nil).Check(ctx); err != nil {
		t.Errorf("nil pinger should report healthy, got %v", err)
	}
}

func TestBreakerChecker(t *testing.T) {
	ctx := context.Background()

	state := "closed"
	c := Breaker("context_store", func() string { return state })

	if err := c.Check(ctx); err != nil {
		t.Errorf("closed breaker: unexpected error %v", err)
	}

	state = "half-open"
	if err := c.Check(ctx); err != nil {
		t.Errorf("half-open breaker should be ready, got %v", err)
	}

	state = "open"
	if err := c.Check(ctx); err == nil {
		t.Error("open breaker: expected error")
	}
}

func TestUpstreamChecker(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		url    string
		wantOK bool
	}{
		{"wss://api.openai.com/v1/realtime", true},
		{"ws://localhost:9090/v1/realtime", true},
		{"https://api.openai.com/v1/realtime", true},
		{"", false},
		{"ftp://example.com", false},
	}
	for _, tc := range cases {
		err := Upstream(tc.url).Check(ctx)
		if tc.wantOK && err != nil {
			t.Errorf("Upstream(%q): unexpected error %v", tc.url, err)
		}
		if !tc.wantOK && err == nil {
			t.Errorf("Upstream(%q): expected error", tc.url)
		}
	}
}
