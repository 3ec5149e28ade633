package health

import (
	"context"
	"fmt"
	"net/http"
)

// Pinger is implemented by dependencies that can probe their own liveness,
// such as the turn store's connection pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database returns a readiness checker that pings p.
func Database(p Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return p.Ping(ctx)
		},
	}
}

// Endpoint returns a readiness checker that probes url with a HEAD request.
// Any HTTP response counts as reachable; only transport-level failures fail
// the check.
func Endpoint(name, url string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
			if err != nil {
				return fmt.Errorf("build probe request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("probe %s: %w", name, err)
			}
			return resp.Body.Close()
		},
	}
}
