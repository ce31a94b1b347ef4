package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"

	"github.com/re-cinq/registry-cache/config"
)

// Upstream describes one configured upstream registry and builds
// requests against it.
type Upstream struct {
	// Host is the inbound Host header this upstream answers for.
	Host string

	// Registry is the upstream registry hostname.
	Registry string

	baseURL string
	client  *http.Client
}

// NewUpstream creates an upstream descriptor. If client is nil,
// http.DefaultClient is used.
func NewUpstream(cfg config.Upstream, client *http.Client) *Upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{
		Host:     cfg.Host,
		Registry: cfg.Registry,
		baseURL:  baseURL(cfg),
		client:   client,
	}
}

// baseURL renders scheme://registry[:port], omitting default ports.
func baseURL(cfg config.Upstream) string {
	defaultPort := 80
	if cfg.Schema == "https" {
		defaultPort = 443
	}
	if cfg.Port == defaultPort {
		return fmt.Sprintf("%s://%s", cfg.Schema, cfg.Registry)
	}
	return fmt.Sprintf("%s://%s:%d", cfg.Schema, cfg.Registry, cfg.Port)
}

// BaseURL returns the upstream base URL.
func (u *Upstream) BaseURL() string {
	return u.baseURL
}

// NewRequest builds a request against the upstream, preserving the
// inbound path and query string verbatim.
func (u *Upstream) NewRequest(ctx context.Context, method, path, rawQuery string, body io.Reader) (*http.Request, error) {
	target, err := url.Parse(u.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	target.Path = path
	target.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	return req, nil
}

// Do performs a request with the shared upstream client.
func (u *Upstream) Do(req *http.Request) (*http.Response, error) {
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contacting upstream %s: %w", u.Registry, err)
	}
	return resp, nil
}

// BlobFetcher adapts an upstream for the ingestion coordinator. It
// carries the end-to-end request headers of the originating client so
// the upstream sees them on the deduplicated fetch; later waiters'
// headers are discarded (content addressing makes the bytes
// identical).
type BlobFetcher struct {
	Upstream *Upstream
	Header   http.Header
}

// FetchBlob opens the upstream blob body. Non-2xx statuses are
// reported as *StatusError so the front end can relay them.
func (f *BlobFetcher) FetchBlob(ctx context.Context, name string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	path := fmt.Sprintf("/v2/%s/blobs/%s", name, dgst)
	req, err := f.Upstream.NewRequest(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, 0, err
	}
	copyEndToEndHeaders(req.Header, f.Header)

	resp, err := f.Upstream.Do(req)
	if err != nil {
		return nil, 0, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, 0, &StatusError{Code: resp.StatusCode}
	}

	return resp.Body, resp.ContentLength, nil
}
