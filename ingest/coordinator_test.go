package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/re-cinq/registry-cache/store"
)

// fakeFetcher counts FetchBlob calls and delegates to open.
type fakeFetcher struct {
	calls atomic.Int64
	open  func(ctx context.Context, name string, dgst digest.Digest) (io.ReadCloser, int64, error)
}

func (f *fakeFetcher) FetchBlob(ctx context.Context, name string, dgst digest.Digest) (io.ReadCloser, int64, error) {
	f.calls.Add(1)
	return f.open(ctx, name, dgst)
}

func staticFetcher(body []byte) *fakeFetcher {
	f := &fakeFetcher{}
	f.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		return io.NopCloser(bytes.NewReader(body)), int64(len(body)), nil
	}
	return f
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.BlobStore) {
	t.Helper()
	s, err := store.New(t.TempDir())
	require.NoError(t, err)
	return NewCoordinator(s), s
}

func requireStagingEmpty(t *testing.T, s *store.BlobStore) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(s.Root(), "staging"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestObtainMissFetchesAndCaches(t *testing.T) {
	c, s := newTestCoordinator(t)
	body := []byte("a small layer")
	dgst := digest.FromBytes(body)
	fetcher := staticFetcher(body)

	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	require.False(t, src.FromCache())
	require.Equal(t, int64(len(body)), src.Size())

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, src.Close())

	require.NoError(t, c.Wait(context.Background()))

	info, err := s.Lookup(dgst)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), info.Size)
	requireStagingEmpty(t, s)
	require.Equal(t, int64(1), fetcher.calls.Load())
}

func TestObtainHitServesFromStore(t *testing.T) {
	c, s := newTestCoordinator(t)
	body := []byte("already cached")
	dgst := digest.FromBytes(body)

	st, err := s.CreateStaging(digest.SHA256)
	require.NoError(t, err)
	_, err = st.Write(body)
	require.NoError(t, err)
	require.NoError(t, s.Promote(st, dgst))

	fetcher := staticFetcher(nil) // must not be called
	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	require.True(t, src.FromCache())
	require.NotNil(t, src.File())

	got, err := io.ReadAll(src)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, src.Close())
	require.Equal(t, int64(0), fetcher.calls.Load())
}

func TestConcurrentObtainSingleFetch(t *testing.T) {
	c, s := newTestCoordinator(t)

	body := make([]byte, 1<<20)
	_, err := rand.Read(body)
	require.NoError(t, err)
	dgst := digest.FromBytes(body)

	// The upstream trickles the body so that every client attaches
	// while the download is still in flight.
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write(body[:len(body)/2])
			<-release
			_, _ = pw.Write(body[len(body)/2:])
			_ = pw.Close()
		}()
		return pr, int64(len(body)), nil
	}

	const clients = 50
	results := make([][]byte, clients)
	errs := make([]error, clients)

	var attached sync.WaitGroup
	var finished sync.WaitGroup
	attached.Add(clients)
	finished.Add(clients)
	for i := range clients {
		go func() {
			defer finished.Done()
			src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
			attached.Done()
			if err != nil {
				errs[i] = err
				return
			}
			defer func() { _ = src.Close() }()
			results[i], errs[i] = io.ReadAll(src)
		}()
	}

	attached.Wait()
	close(release)
	finished.Wait()

	for i := range clients {
		require.NoError(t, errs[i])
		require.Equal(t, body, results[i], "client %d observed different bytes", i)
	}
	require.Equal(t, int64(1), fetcher.calls.Load())

	require.NoError(t, c.Wait(context.Background()))
	requireStagingEmpty(t, s)
}

func TestLateAttachReadsEarlierBytes(t *testing.T) {
	c, _ := newTestCoordinator(t)

	body := []byte("first half||second half")
	dgst := digest.FromBytes(body)

	firstHalfWritten := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write(body[:11])
			close(firstHalfWritten)
			<-release
			_, _ = pw.Write(body[11:])
			_ = pw.Close()
		}()
		return pr, int64(len(body)), nil
	}

	first, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = first.Close() }()

	<-firstHalfWritten

	// Wait for the published count to reach the first half before
	// the second client attaches.
	buf := make([]byte, 11)
	_, err = io.ReadFull(first, buf)
	require.NoError(t, err)
	require.Equal(t, body[:11], buf)

	second, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	require.False(t, second.FromCache())
	defer func() { _ = second.Close() }()

	close(release)

	got, err := io.ReadAll(second)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.Equal(t, int64(1), fetcher.calls.Load())
}

func TestUpstreamErrorFailsAllWaiters(t *testing.T) {
	c, s := newTestCoordinator(t)
	dgst := digest.FromString("never arrives")

	upstreamErr := errors.New("connection reset by peer")
	partial := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write([]byte("partial bytes"))
			close(partial)
			<-release
			_ = pw.CloseWithError(upstreamErr)
		}()
		return pr, -1, nil
	}

	first, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = first.Close() }()
	<-partial

	second, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	close(release)

	_, err = io.ReadAll(first)
	require.Error(t, err)
	_, err = io.ReadAll(second)
	require.Error(t, err)

	require.NoError(t, c.Wait(context.Background()))
	_, err = s.Lookup(dgst)
	require.ErrorIs(t, err, store.ErrNotFound)
	requireStagingEmpty(t, s)
}

func TestFetchErrorBeforeBodySurfaces(t *testing.T) {
	c, s := newTestCoordinator(t)
	dgst := digest.FromString("unreachable")

	connectErr := errors.New("dial tcp: connection refused")
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		return nil, 0, connectErr
	}

	_, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.ErrorIs(t, err, connectErr)

	require.NoError(t, c.Wait(context.Background()))
	requireStagingEmpty(t, s)
}

func TestDigestMismatchAbortsIngest(t *testing.T) {
	c, s := newTestCoordinator(t)

	claimed := digest.FromString("what the client asked for")
	fetcher := staticFetcher([]byte("something else entirely"))

	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: claimed})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, store.ErrDigestMismatch)

	require.NoError(t, c.Wait(context.Background()))
	_, err = s.Lookup(claimed)
	require.ErrorIs(t, err, store.ErrNotFound)
	requireStagingEmpty(t, s)
}

func TestLengthMismatchAbortsIngest(t *testing.T) {
	c, s := newTestCoordinator(t)

	body := []byte("twelve bytes and then some")
	dgst := digest.FromBytes(body)
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		// Advertise fewer bytes than the body carries.
		return io.NopCloser(bytes.NewReader(body)), 12, nil
	}

	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, ErrLengthMismatch)

	require.NoError(t, c.Wait(context.Background()))
	requireStagingEmpty(t, s)
}

func TestDrainingRejectsNewDownloads(t *testing.T) {
	c, s := newTestCoordinator(t)

	cached := []byte("still served while draining")
	cachedDigest := digest.FromBytes(cached)
	st, err := s.CreateStaging(digest.SHA256)
	require.NoError(t, err)
	_, err = st.Write(cached)
	require.NoError(t, err)
	require.NoError(t, s.Promote(st, cachedDigest))

	c.BeginDrain()
	require.True(t, c.Draining())

	fetcher := staticFetcher([]byte("new content"))
	_, err = c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: digest.FromString("new content")})
	require.ErrorIs(t, err, ErrDraining)
	require.Equal(t, int64(0), fetcher.calls.Load())

	// Hits are unaffected by draining.
	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Digest: cachedDigest})
	require.NoError(t, err)
	require.True(t, src.FromCache())
	require.NoError(t, src.Close())
}

func TestDrainingAllowsInFlightToComplete(t *testing.T) {
	c, s := newTestCoordinator(t)

	body := []byte("in flight during shutdown")
	dgst := digest.FromBytes(body)

	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write(body[:5])
			close(started)
			<-release
			_, _ = pw.Write(body[5:])
			_ = pw.Close()
		}()
		return pr, int64(len(body)), nil
	}

	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	<-started

	c.BeginDrain()
	require.Equal(t, 1, c.InFlight())

	// Attaching to the existing download still works while draining.
	waiter, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = waiter.Close() }()

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Wait returned before the in-flight download resolved")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 0, c.InFlight())

	info, err := s.Lookup(dgst)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), info.Size)

	got, err := io.ReadAll(waiter)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestWaitHonoursContext(t *testing.T) {
	c, _ := newTestCoordinator(t)

	dgst := digest.FromString("stuck upstream")
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			<-release
			_ = pw.Close()
		}()
		return pr, -1, nil
	}

	src, err := c.Obtain(context.Background(), Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, c.Wait(context.Background()))
}

func TestClientDisconnectDoesNotAbortIngest(t *testing.T) {
	c, s := newTestCoordinator(t)

	body := []byte("worth keeping even if the client leaves")
	dgst := digest.FromBytes(body)

	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{}
	fetcher.open = func(context.Context, string, digest.Digest) (io.ReadCloser, int64, error) {
		pr, pw := io.Pipe()
		go func() {
			_, _ = pw.Write(body[:8])
			close(started)
			<-release
			_, _ = pw.Write(body[8:])
			_ = pw.Close()
		}()
		return pr, int64(len(body)), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	src, err := c.Obtain(ctx, Fingerprint{Fetcher: fetcher, Name: "library/alpine", Digest: dgst})
	require.NoError(t, err)
	<-started

	// The client goes away mid-stream.
	cancel()
	_, err = io.ReadAll(src)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, src.Close())

	close(release)
	require.NoError(t, c.Wait(context.Background()))

	info, err := s.Lookup(dgst)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), info.Size)
	requireStagingEmpty(t, s)
}
