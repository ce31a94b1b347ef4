// Package store provides the content-addressed blob store.
//
// Verified blobs live under blobs/<algorithm>/<first-two-hex>/<hex>;
// in-flight downloads are written to uniquely named files under
// staging/ and promoted into the blobs tree with an atomic rename once
// their digest has been verified. A file under blobs/ always hashes to
// the digest encoded in its path.
package store

import (
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
)

const (
	blobsDir   = "blobs"
	stagingDir = "staging"
)

// ErrNotFound is returned when a digest is not in the store.
var ErrNotFound = errors.New("blob not found")

// ErrDigestMismatch is returned by Promote when the staged bytes do
// not hash to the expected digest.
var ErrDigestMismatch = errors.New("digest mismatch")

// Info describes a stored blob.
type Info struct {
	Size int64
}

// BlobStore is a filesystem-backed content-addressed store.
// It is safe for concurrent use.
type BlobStore struct {
	root    string
	blobs   string
	staging string
}

// New creates a store rooted at the given path, creating the blobs/
// and staging/ subtrees if they do not exist.
func New(root string) (*BlobStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	s := &BlobStore{
		root:    absRoot,
		blobs:   filepath.Join(absRoot, blobsDir),
		staging: filepath.Join(absRoot, stagingDir),
	}
	for _, dir := range []string{s.blobs, s.staging} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	return s, nil
}

// Root returns the storage root path.
func (s *BlobStore) Root() string {
	return s.root
}

// blobPath returns the final path for a digest.
// Sharding by the first two hex characters bounds directory fan-out.
func (s *BlobStore) blobPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	return filepath.Join(s.blobs, string(dgst.Algorithm()), hex[:2], hex)
}

// Lookup stats the final path for a digest without opening it.
// Returns ErrNotFound when the blob is absent.
func (s *BlobStore) Lookup(dgst digest.Digest) (Info, error) {
	fi, err := os.Stat(s.blobPath(dgst))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat blob %s: %w", dgst, err)
	}
	return Info{Size: fi.Size()}, nil
}

// Open returns a readable handle on a verified blob. The *os.File
// return type lets net/http splice it to the client socket with
// sendfile. The caller must close the file.
func (s *BlobStore) Open(dgst digest.Digest) (*os.File, Info, error) {
	f, err := os.Open(s.blobPath(dgst))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("opening blob %s: %w", dgst, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Info{}, fmt.Errorf("stat blob %s: %w", dgst, err)
	}
	return f, Info{Size: fi.Size()}, nil
}

// Staging is a writable handle over an in-flight blob download.
// Writes feed both the file and a running hasher for the target
// algorithm. Staging handles are owned by a single writer and are not
// safe for concurrent writes; the file may be opened for reading by
// any number of tailing readers via Path.
type Staging struct {
	f       *os.File
	path    string
	algo    digest.Algorithm
	hasher  hash.Hash
	written int64
	closed  bool
	removed bool
}

// CreateStaging creates a uniquely named staging file whose writes are
// hashed with the given algorithm.
func (s *BlobStore) CreateStaging(algo digest.Algorithm) (*Staging, error) {
	if !algo.Available() {
		return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	path := filepath.Join(s.staging, uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &Staging{
		f:      f,
		path:   path,
		algo:   algo,
		hasher: algo.Hash(),
	}, nil
}

// Write appends to the staging file and the running hasher.
func (st *Staging) Write(p []byte) (int, error) {
	n, err := st.f.Write(p)
	if n > 0 {
		_, _ = st.hasher.Write(p[:n])
		st.written += int64(n)
	}
	if err != nil {
		return n, fmt.Errorf("writing staging file: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (st *Staging) Size() int64 {
	return st.written
}

// Path returns the staging file path, for tailing readers.
func (st *Staging) Path() string {
	return st.path
}

// Digest returns the digest of the bytes written so far.
func (st *Staging) Digest() digest.Digest {
	return digest.NewDigest(st.algo, st.hasher)
}

// Promote finalizes a staged download under the expected digest.
// The computed digest is verified against the expected one; on match
// the file is renamed into the blobs tree in a single atomic
// operation. On mismatch the staging file is unlinked and
// ErrDigestMismatch returned. If the final path already exists a
// concurrent download won the race; the staging file is unlinked and
// promotion reports success.
func (s *BlobStore) Promote(st *Staging, expected digest.Digest) error {
	if err := st.finish(); err != nil {
		_ = s.Abort(st)
		return err
	}

	computed := st.Digest()
	if computed != expected {
		_ = s.Abort(st)
		return fmt.Errorf("%w: expected %s, computed %s", ErrDigestMismatch, expected, computed)
	}

	final := s.blobPath(expected)
	if _, err := os.Stat(final); err == nil {
		return s.Abort(st)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		_ = s.Abort(st)
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.Rename(st.path, final); err != nil {
		_ = s.Abort(st)
		return fmt.Errorf("promoting blob %s: %w", expected, err)
	}
	st.removed = true
	return nil
}

// Abort unlinks the staging file. It is idempotent and safe to call
// after Promote.
func (s *BlobStore) Abort(st *Staging) error {
	_ = st.finish()
	if st.removed {
		return nil
	}
	st.removed = true
	if err := os.Remove(st.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing staging file: %w", err)
	}
	return nil
}

// finish syncs and closes the staging file handle.
func (st *Staging) finish() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if err := st.f.Sync(); err != nil {
		_ = st.f.Close()
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := st.f.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	return nil
}
