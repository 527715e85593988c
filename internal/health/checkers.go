package health

import (
	"context"
	"fmt"
	"net/url"
)

// Pinger matches the Ping method on pgxpool.Pool and friends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a checker that pings the backing store. A nil pinger
// reports healthy so deployments without a context store stay ready.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if p == nil {
				return nil
			}
			return p.Ping(ctx)
		},
	}
}

// Breaker returns a checker that fails while the named breaker is open. A
// half-open breaker is probing and counts as ready.
func Breaker(name string, state func() string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if s := state(); s == "open" {
				return fmt.Errorf("circuit breaker is %s", s)
			}
			return nil
		},
	}
}

// Upstream returns a checker that validates the configured upstream realtime
// URL without dialing it. Readiness should not depend on a third party being
// up, only on the relay being dialable at all.
func Upstream(rawURL string) Checker {
	return Checker{
		Name: "upstream",
		Check: func(_ context.Context) error {
			if rawURL == "" {
				return fmt.Errorf("upstream url is not configured")
			}
			u, err := url.Parse(rawURL)
			if err != nil {
				return fmt.Errorf("upstream url: %w", err)
			}
			switch u.Scheme {
			case "ws", "wss", "http", "https":
				return nil
			default:
				return fmt.Errorf("upstream url has unsupported scheme %q", u.Scheme)
			}
		},
	}
}
