package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/re-cinq/registry-cache/store"
)

// Ingest is a single in-flight upstream download. Exactly one exists
// per digest at any time; it owns the staging handle and publishes
// byte-count progress to tailing readers.
type Ingest struct {
	digest digest.Digest

	// staging is assigned by the download goroutine before the
	// ready channel closes; readers only touch it after that.
	staging *store.Staging

	mu      sync.Mutex
	written int64
	size    int64 // upstream Content-Length, -1 when unknown
	done    bool
	err     error
	notify  chan struct{} // closed and replaced on every publish

	// ready is closed once the upstream response headers have
	// arrived (size is set) or the ingest failed before they did.
	ready     chan struct{}
	readyOnce sync.Once
}

func newIngest(dgst digest.Digest) *Ingest {
	return &Ingest{
		digest: dgst,
		size:   -1,
		notify: make(chan struct{}),
		ready:  make(chan struct{}),
	}
}

// start records the advertised size and unblocks attached readers.
func (in *Ingest) start(size int64) {
	in.mu.Lock()
	in.size = size
	in.mu.Unlock()
	in.readyOnce.Do(func() { close(in.ready) })
}

// publish advances the published byte count and wakes tailing readers.
func (in *Ingest) publish(written int64) {
	in.mu.Lock()
	in.written = written
	close(in.notify)
	in.notify = make(chan struct{})
	in.mu.Unlock()
}

// finish marks the ingest as successfully finished and publishes the
// final byte count. When the upstream advertised a length, the final
// chunk is only published here, after promotion, so that a
// verification failure leaves every reader visibly truncated.
func (in *Ingest) finish(written int64) {
	in.mu.Lock()
	in.written = written
	in.mu.Unlock()
	in.terminate(nil)
}

// fail marks the ingest as failed; attached readers observe err once
// they exhaust the published bytes.
func (in *Ingest) fail(err error) {
	in.terminate(err)
}

func (in *Ingest) terminate(err error) {
	in.mu.Lock()
	in.done = true
	in.err = err
	close(in.notify)
	in.notify = make(chan struct{})
	in.mu.Unlock()
	in.readyOnce.Do(func() { close(in.ready) })
}

// snapshot returns the current progress and the channel that will be
// closed on the next state change.
func (in *Ingest) snapshot() (written int64, done bool, err error, changed <-chan struct{}) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.written, in.done, in.err, in.notify
}

// Source is a readable blob body handed out by the coordinator.
type Source struct {
	// file is the verified blob on a cache hit, nil otherwise.
	// It is handed to net/http directly so the kernel can splice
	// it to the client socket.
	file *os.File
	info store.Info

	tail *tailReader
	size int64
}

// FromCache reports whether the source reads a verified blob.
func (s *Source) FromCache() bool {
	return s.file != nil
}

// File returns the verified blob handle on a cache hit, nil otherwise.
func (s *Source) File() *os.File {
	return s.file
}

// Size returns the body length, or -1 when the upstream did not
// advertise one.
func (s *Source) Size() int64 {
	if s.file != nil {
		return s.info.Size
	}
	return s.size
}

// Read implements io.Reader over the tail of an in-flight ingest.
func (s *Source) Read(p []byte) (int, error) {
	if s.file != nil {
		return s.file.Read(p)
	}
	return s.tail.Read(p)
}

// Close releases the underlying file handle.
func (s *Source) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return s.tail.Close()
}

// tailReader follows an in-flight ingest, reading published bytes from
// the staging file and blocking until more arrive. The file descriptor
// stays valid across the rename that promotes the blob, so readers
// that attached before promotion finish their tail unaffected.
type tailReader struct {
	ctx    context.Context
	entry  *Ingest
	f      *os.File
	offset int64
}

// attach waits for the ingest to produce response headers (or fail)
// and opens the staging file for tailing.
func attach(ctx context.Context, entry *Ingest) (*tailReader, int64, error) {
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	entry.mu.Lock()
	size := entry.size
	failed := entry.done && entry.err != nil
	err := entry.err
	entry.mu.Unlock()

	if failed {
		return nil, 0, err
	}

	f, openErr := os.Open(entry.staging.Path())
	if openErr != nil {
		return nil, 0, fmt.Errorf("opening staging file for tail: %w", openErr)
	}
	return &tailReader{ctx: ctx, entry: entry, f: f}, size, nil
}

func (t *tailReader) Read(p []byte) (int, error) {
	for {
		written, done, err, changed := t.entry.snapshot()

		if t.offset < written {
			max := written - t.offset
			if int64(len(p)) > max {
				p = p[:max]
			}
			n, rerr := t.f.ReadAt(p, t.offset)
			t.offset += int64(n)
			if rerr != nil && rerr != io.EOF {
				return n, fmt.Errorf("reading staging file: %w", rerr)
			}
			if n > 0 {
				return n, nil
			}
		}

		if done {
			if err != nil {
				return 0, err
			}
			if t.offset >= written {
				return 0, io.EOF
			}
			continue
		}

		select {
		case <-changed:
		case <-t.ctx.Done():
			return 0, t.ctx.Err()
		}
	}
}

func (t *tailReader) Close() error {
	return t.f.Close()
}
