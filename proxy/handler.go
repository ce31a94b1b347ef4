// Package proxy implements the registry-facing HTTP surface: blob
// requests are served through the cache, everything else is relayed
// verbatim to the upstream selected by the inbound Host header.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/re-cinq/registry-cache/ingest"
	"github.com/re-cinq/registry-cache/store"
	"github.com/re-cinq/registry-cache/telemetry"
)

// blobPathRegex matches GET/HEAD-able blob paths. The repository name
// follows the Distribution naming grammar and the digest reference
// must be syntactically valid for the request to be classified as a
// blob fetch at all; anything else is forwarded untouched.
var blobPathRegex = regexp.MustCompile(
	`^/v2/([a-z0-9]+(?:[._-][a-z0-9]+)*(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*)/blobs/(sha256:[a-f0-9]{64}|sha512:[a-f0-9]{128})$`)

// Handler classifies inbound registry traffic and serves it.
type Handler struct {
	router *Router
	store  *store.BlobStore
	coord  *ingest.Coordinator
	logger *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates the registry handler.
func NewHandler(router *Router, blobStore *store.BlobStore, coord *ingest.Coordinator, opts ...HandlerOption) *Handler {
	h := &Handler{
		router: router,
		store:  blobStore,
		coord:  coord,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upstream, err := h.router.Route(r.Host)
	if err != nil {
		telemetry.SetEndpoint(r, "unknown-host")
		h.logger.Warn("no upstream for host", "host", r.Host)
		http.Error(w, fmt.Sprintf("no upstream configured for host %q", r.Host), http.StatusNotFound)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if m := blobPathRegex.FindStringSubmatch(r.URL.Path); m != nil {
			name := m[1]
			dgst, err := digest.Parse(m[2])
			if err == nil {
				if r.Method == http.MethodHead {
					h.handleHeadBlob(w, r, upstream, name, dgst)
				} else {
					h.handleGetBlob(w, r, upstream, name, dgst)
				}
				return
			}
		}
	}

	telemetry.SetEndpoint(r, "forward")
	telemetry.SetCacheResult(r, telemetry.CacheBypass)
	h.forward(w, r, upstream)
}

// handleGetBlob serves a blob body from the cache, attaching to or
// starting an upstream download on miss.
func (h *Handler) handleGetBlob(w http.ResponseWriter, r *http.Request, upstream *Upstream, name string, dgst digest.Digest) {
	telemetry.SetEndpoint(r, "blob")
	logger := h.logger.With("name", name, "digest", dgst.String())

	fp := ingest.Fingerprint{
		Fetcher: &BlobFetcher{Upstream: upstream, Header: r.Header},
		Name:    name,
		Digest:  dgst,
	}

	src, err := h.coord.Obtain(r.Context(), fp)
	if err != nil {
		h.writeObtainError(w, r, logger, err)
		return
	}
	defer func() { _ = src.Close() }()

	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("ETag", fmt.Sprintf("%q", dgst.String()))
	w.Header().Set("Content-Type", "application/octet-stream")

	if src.FromCache() {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		telemetry.CacheHits.Inc()
		logger.Debug("cache hit")
		// ServeContent hands the *os.File to the connection, which
		// splices it with sendfile where the platform supports it.
		http.ServeContent(w, r, "", time.Time{}, src.File())
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	telemetry.CacheMisses.Inc()
	logger.Debug("cache miss, tailing upstream download")

	if size := src.Size(); size >= 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", size))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(&flushingWriter{w: w}, src); err != nil {
		// Bytes may already be on the wire; the client observes a
		// truncated body.
		logger.Error("blob stream interrupted", "error", err)
	}
}

// handleHeadBlob answers blob existence checks from the store without
// opening the file; misses fall through to the transparent proxy.
func (h *Handler) handleHeadBlob(w http.ResponseWriter, r *http.Request, upstream *Upstream, name string, dgst digest.Digest) {
	telemetry.SetEndpoint(r, "blob-head")

	info, err := h.store.Lookup(dgst)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Error("store lookup failed", "digest", dgst.String(), "error", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		telemetry.CacheMisses.Inc()
		h.forward(w, r, upstream)
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	telemetry.CacheHits.Inc()
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("ETag", fmt.Sprintf("%q", dgst.String()))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size))
	w.WriteHeader(http.StatusOK)
}

// writeObtainError maps coordinator failures onto client responses.
func (h *Handler) writeObtainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	// Every failed fetch is still a cache miss so that hits and
	// misses together partition blob requests; only a drain
	// rejection, which is refused before any upstream request is
	// made, is left out of the partition.
	if !errors.Is(err, ingest.ErrDraining) {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		telemetry.CacheMisses.Inc()
	}

	var statusErr *StatusError
	switch {
	case errors.Is(err, ingest.ErrDraining):
		http.Error(w, "shutting down, not accepting new downloads", http.StatusServiceUnavailable)
	case errors.As(err, &statusErr):
		// Upstream answered the blob request with a non-2xx status;
		// relay it and cache nothing.
		logger.Warn("upstream refused blob", "status", statusErr.Code)
		http.Error(w, statusErr.Error(), statusErr.Code)
	case errors.Is(err, store.ErrDigestMismatch):
		logger.Error("upstream body failed digest verification", "error", err)
		http.Error(w, "upstream digest mismatch", http.StatusBadGateway)
	case errors.Is(err, ingest.ErrStorage):
		logger.Error("local storage failure", "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away while waiting; nothing left to tell it.
	default:
		logger.Error("obtaining blob failed", "error", err)
		http.Error(w, "upstream error", http.StatusBadGateway)
	}
}
