// Package ingest coordinates upstream blob downloads so that at most
// one fetch is in flight per digest. Concurrent requests for the same
// blob attach to the in-flight download and tail the staging file as
// bytes land; the download itself is detached from any single client,
// so one caller disconnecting never aborts it for the others.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/re-cinq/registry-cache/store"
)

// copyChunkSize is the tee loop buffer size. Steady-state memory per
// ingest is one chunk regardless of blob size.
const copyChunkSize = 128 * 1024

// ErrDraining is returned by Obtain when the coordinator is shutting
// down and the request would have started a new upstream fetch.
var ErrDraining = errors.New("coordinator draining, not starting new downloads")

// ErrLengthMismatch is returned when the upstream body length differs
// from its advertised Content-Length.
var ErrLengthMismatch = errors.New("upstream body length mismatch")

// ErrStorage wraps local storage failures so the front end can
// distinguish them from upstream trouble.
var ErrStorage = errors.New("storage failure")

// errAlreadyCached signals that the blob landed in the store between
// the caller's miss and the map lock; the caller serves the cached
// copy instead of starting a download.
var errAlreadyCached = errors.New("blob cached concurrently")

// Fetcher opens an upstream blob body. Implemented by proxy.BlobFetcher.
type Fetcher interface {
	// FetchBlob returns the blob body and its advertised length
	// (-1 when unknown). A non-2xx upstream status is returned as
	// an error.
	FetchBlob(ctx context.Context, name string, dgst digest.Digest) (io.ReadCloser, int64, error)
}

// Fingerprint identifies a blob request. The digest alone keys the
// in-flight map; repository and upstream are only needed to contact
// the upstream, so a second caller's values are discarded.
type Fingerprint struct {
	Fetcher Fetcher
	Name    string
	Digest  digest.Digest
}

// Coordinator owns the in-flight map and the draining state.
type Coordinator struct {
	store  *store.BlobStore
	logger *slog.Logger

	// mu guards the fields below and is held only for O(1) map
	// operations, never across I/O.
	mu       sync.Mutex
	inflight map[digest.Digest]*Ingest
	draining bool
	idle     chan struct{} // closed when inflight empties, then replaced
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(s *store.BlobStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    s,
		logger:   slog.Default(),
		inflight: make(map[digest.Digest]*Ingest),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Obtain resolves a blob request into a readable source.
//
// A store hit returns a source over the verified blob file. Otherwise
// the caller attaches to the in-flight download for the digest,
// starting one if none exists. In draining state requests that would
// start a download fail with ErrDraining; hits are unaffected.
func (c *Coordinator) Obtain(ctx context.Context, fp Fingerprint) (*Source, error) {
	if f, info, err := c.openCached(fp.Digest); err == nil {
		return &Source{file: f, info: info}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	entry, err := c.join(ctx, fp)
	if errors.Is(err, errAlreadyCached) {
		f, info, openErr := c.openCached(fp.Digest)
		if openErr != nil {
			return nil, openErr
		}
		return &Source{file: f, info: info}, nil
	}
	if err != nil {
		return nil, err
	}

	tail, size, err := attach(ctx, entry)
	if err != nil {
		// The download may already have finished and renamed the
		// staging file into the store before it could be opened;
		// prefer serving the cached copy.
		if f, info, cacheErr := c.openCached(fp.Digest); cacheErr == nil {
			return &Source{file: f, info: info}, nil
		}
		return nil, err
	}
	return &Source{tail: tail, size: size}, nil
}

func (c *Coordinator) openCached(dgst digest.Digest) (*os.File, store.Info, error) {
	return c.store.Open(dgst)
}

// join attaches to the in-flight entry for the digest, installing a
// new one (and spawning its download) when none exists.
func (c *Coordinator) join(ctx context.Context, fp Fingerprint) (*Ingest, error) {
	c.mu.Lock()
	if entry, ok := c.inflight[fp.Digest]; ok {
		c.mu.Unlock()
		return entry, nil
	}
	if c.draining {
		c.mu.Unlock()
		return nil, ErrDraining
	}

	// Promotion happens before an entry leaves the map, so with no
	// entry present a completed download is already visible to this
	// stat. Re-checking under the lock closes the window between
	// the caller's store miss and installing a new entry; without
	// it two fetches could be issued for one digest.
	if _, err := c.store.Lookup(fp.Digest); err == nil {
		c.mu.Unlock()
		return nil, errAlreadyCached
	}

	entry := newIngest(fp.Digest)
	c.inflight[fp.Digest] = entry
	c.mu.Unlock()

	// The download must outlive the requesting client: waiters may
	// still be attached after the originator goes away, and the
	// bytes are worth keeping either way.
	go c.run(context.WithoutCancel(ctx), entry, fp)

	return entry, nil
}

// run performs the upstream fetch and the staging tee. The map entry
// is released unconditionally, whichever way the download ends.
func (c *Coordinator) run(ctx context.Context, entry *Ingest, fp Fingerprint) {
	defer c.release(entry)

	logger := c.logger.With("digest", fp.Digest.String(), "name", fp.Name)

	staging, err := c.store.CreateStaging(fp.Digest.Algorithm())
	if err != nil {
		logger.Error("creating staging file failed", "error", err)
		entry.fail(fmt.Errorf("%w: creating staging file: %w", ErrStorage, err))
		return
	}
	entry.staging = staging

	body, size, err := fp.Fetcher.FetchBlob(ctx, fp.Name, fp.Digest)
	if err != nil {
		logger.Error("upstream fetch failed", "error", err)
		_ = c.store.Abort(entry.staging)
		entry.fail(err)
		return
	}
	defer func() { _ = body.Close() }()

	entry.start(size)

	var total int64
	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := entry.staging.Write(buf[:n]); werr != nil {
				logger.Error("staging write failed", "error", werr)
				_ = c.store.Abort(entry.staging)
				entry.fail(fmt.Errorf("%w: %w", ErrStorage, werr))
				return
			}
			total += int64(n)
			// When the upstream advertised a length, withhold the
			// chunk that completes it until the digest has been
			// verified: a mismatch then surfaces to clients as a
			// truncated body, never a clean one. With no advertised
			// length every chunk is published as it lands, and a
			// mismatch reaches readers only as the read error after
			// the last byte.
			if size < 0 || total < size {
				entry.publish(total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			logger.Error("upstream body read failed", "bytes_read", total, "error", rerr)
			_ = c.store.Abort(entry.staging)
			entry.fail(fmt.Errorf("reading upstream body: %w", rerr))
			return
		}
	}

	if size >= 0 && total != size {
		logger.Error("upstream length mismatch", "expected", size, "actual", total)
		_ = c.store.Abort(entry.staging)
		entry.fail(fmt.Errorf("%w: expected %d bytes, read %d", ErrLengthMismatch, size, total))
		return
	}

	if err := c.store.Promote(entry.staging, fp.Digest); err != nil {
		logger.Error("promotion failed", "error", err)
		entry.fail(err)
		return
	}

	logger.Info("blob cached", "size", total)
	entry.finish(total)
}

// release removes the entry from the in-flight map and wakes Wait
// when the map empties.
func (c *Coordinator) release(entry *Ingest) {
	c.mu.Lock()
	delete(c.inflight, entry.digest)
	if len(c.inflight) == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
	c.mu.Unlock()
}

// BeginDrain stops new downloads from starting. In-flight downloads
// run to completion; cache hits keep being served.
func (c *Coordinator) BeginDrain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
}

// Draining reports whether the coordinator is draining.
func (c *Coordinator) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// InFlight returns the number of in-flight downloads.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Wait blocks until every in-flight download has resolved.
func (c *Coordinator) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.inflight) == 0 {
			c.mu.Unlock()
			return nil
		}
		if c.idle == nil {
			c.idle = make(chan struct{})
		}
		idle := c.idle
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
