package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/re-cinq/registry-cache/config"
)

// ErrUnknownHost is returned when no upstream is configured for the
// inbound Host header.
var ErrUnknownHost = errors.New("no upstream configured for host")

// Router maps the inbound Host header to an upstream registry.
type Router struct {
	upstreams map[string]*Upstream
}

// NewRouter builds the routing table from configuration. All upstreams
// share the given HTTP client.
func NewRouter(cfgs []config.Upstream, client *http.Client) (*Router, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("at least one upstream is required")
	}
	upstreams := make(map[string]*Upstream, len(cfgs))
	for _, cfg := range cfgs {
		if _, ok := upstreams[cfg.Host]; ok {
			return nil, fmt.Errorf("duplicate upstream host %q", cfg.Host)
		}
		upstreams[cfg.Host] = NewUpstream(cfg, client)
	}
	return &Router{upstreams: upstreams}, nil
}

// Route resolves an inbound Host header. A port suffix on the header
// is also tried without the port, so "cache.local:443" matches a
// table entry for "cache.local".
func (rt *Router) Route(host string) (*Upstream, error) {
	if u, ok := rt.upstreams[host]; ok {
		return u, nil
	}
	if bare, _, err := net.SplitHostPort(host); err == nil {
		if u, ok := rt.upstreams[bare]; ok {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownHost, host)
}

// StatusError reports a non-2xx upstream response on a blob fetch.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d %s", e.Code, strings.ToLower(http.StatusText(e.Code)))
}
