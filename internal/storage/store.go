package storage

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Matiss01G/DFS/pkg/crypto"
)

const (
	// pathBlockSize is part of the on-disk contract: anyone who can compute
	// the hashed key can predict the layout.
	pathBlockSize  = 5
	writeChunkSize = 8 * 1024
)

type PathKey struct {
	Dir      string
	Filename string
}

// FirstDir returns the leading directory component of the derived path.
// Deleting it prunes the whole subtree for one key.
func (p PathKey) FirstDir() string {
	if i := strings.Index(p.Dir, "/"); i >= 0 {
		return p.Dir[:i]
	}
	return p.Dir
}

func (p PathKey) FullPath() string {
	return p.Dir + "/" + p.Filename
}

type PathTransformFunc func(key string) PathKey

// CASPathTransform derives the content-addressed layout from an
// already-hashed key: consecutive 5-character groups of the 32-hex digest
// joined by the path separator (the trailing 2 characters are dropped), with
// the full digest as filename. The file server hashes user keys at its
// boundary, so the wire, the store and the disk all speak hashed keys.
func CASPathTransform(hashedKey string) PathKey {
	groups := make([]string, 0, len(hashedKey)/pathBlockSize)
	for i := 0; i+pathBlockSize <= len(hashedKey); i += pathBlockSize {
		groups = append(groups, hashedKey[i:i+pathBlockSize])
	}
	return PathKey{
		Dir:      strings.Join(groups, "/"),
		Filename: hashedKey,
	}
}

// DefaultPathTransform maps a key 1:1 onto a directory and file of the same
// name. Tests only.
func DefaultPathTransform(key string) PathKey {
	return PathKey{Dir: key, Filename: key}
}

type StoreOptions struct {
	Root          string
	PathTransform PathTransformFunc
}

// Store persists opaque blobs keyed by (node id, key). The node-id prefix
// segregates replicas received from different origin nodes.
type Store struct {
	StoreOptions
}

func NewStore(opts StoreOptions) *Store {
	if opts.Root == "" {
		opts.Root = "dfs_storage"
	}
	if opts.PathTransform == nil {
		opts.PathTransform = CASPathTransform
	}
	return &Store{StoreOptions: opts}
}

func (s *Store) fullPath(id, key string) string {
	pk := s.PathTransform(key)
	return filepath.Join(s.Root, id, filepath.FromSlash(pk.Dir), pk.Filename)
}

// Write streams r to disk in 8 KiB chunks and returns the byte count. The
// bytes land in a sibling temporary file that is renamed into place on
// success, so a truncated transfer never leaves a partial blob under the
// final path.
func (s *Store) Write(id, key string, r io.Reader) (int64, error) {
	pk := s.PathTransform(key)
	dir := filepath.Join(s.Root, id, filepath.FromSlash(pk.Dir))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	final := filepath.Join(dir, pk.Filename)
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	// The wrappers hide ReaderFrom/WriterTo so CopyBuffer really uses the
	// 8 KiB buffer.
	n, err := io.CopyBuffer(struct{ io.Writer }{f}, struct{ io.Reader }{r}, make([]byte, writeChunkSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// HashAndWrite hashes a user key before writing, for callers that have not
// already crossed the hashing boundary.
func (s *Store) HashAndWrite(id, userKey string, r io.Reader) (int64, error) {
	return s.Write(id, crypto.HashKey(userKey), r)
}

// Read opens the blob for reading and returns its size. The caller owns the
// returned ReadCloser.
func (s *Store) Read(id, key string) (int64, io.ReadCloser, error) {
	f, err := os.Open(s.fullPath(id, key))
	if err != nil {
		return 0, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, nil, err
	}
	return fi.Size(), f, nil
}

func (s *Store) Has(id, key string) bool {
	_, err := os.Stat(s.fullPath(id, key))
	return err == nil
}

// Delete removes the first directory component of the derived path, pruning
// the entire subtree for that key under that node id.
func (s *Store) Delete(id, key string) error {
	pk := s.PathTransform(key)
	return os.RemoveAll(filepath.Join(s.Root, id, pk.FirstDir()))
}

// Clear removes the storage root entirely.
func (s *Store) Clear() error {
	return os.RemoveAll(s.Root)
}
