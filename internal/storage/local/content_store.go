// Package local implements the content-addressable document store on the
// local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/fsutil"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/hash/sha256"
)

// shardLen is the number of hex characters used as the shard directory.
const shardLen = 2

var (
	// ErrRootNotWritable is returned by New when the store root cannot be used.
	ErrRootNotWritable = errors.New("content store root is not writable")
	// ErrEmptyContent rejects writes that would break the non-empty document guarantee.
	ErrEmptyContent = errors.New("content is empty")
)

// Config captures the parameters for the local content store.
type Config struct {
	// Root is the directory under which documents are sharded.
	Root string `mapstructure:"root" yaml:"root"`
}

// ContentStore maps URLs to <root>/<h[0:2]>/<h> where h is the SHA-256 of the raw URL.
type ContentStore struct {
	root string
}

// New creates the store, creating the root if needed and verifying it accepts writes.
func New(cfg Config) (*ContentStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: root directory is required", ErrRootNotWritable)
	}

	info, err := os.Stat(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("%w: create root: %v", ErrRootNotWritable, mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: stat root: %v", ErrRootNotWritable, err)
	case !info.IsDir():
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootNotWritable, root)
	}

	probe, err := os.CreateTemp(root, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootNotWritable, err)
	}
	probeName := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(probeName); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &ContentStore{root: root}, nil
}

// Root returns the configured root directory.
func (s *ContentStore) Root() string {
	return s.root
}

// PathFor returns the deterministic location of url's document.
func (s *ContentStore) PathFor(url string) string {
	h := sha256.Sum(url)
	return filepath.Join(s.root, h[:shardLen], h)
}

// Exists reports whether a non-empty document is stored for url.
func (s *ContentStore) Exists(url string) bool {
	info, err := os.Stat(s.PathFor(url))
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// Write stores data for url atomically and returns its path. Documents are
// write-once: an existing document is left untouched.
func (s *ContentStore) Write(ctx context.Context, url string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("write canceled: %w", err)
	}
	path := s.PathFor(url)
	if s.Exists(url) {
		return path, nil
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write document: %w", err)
	}
	return path, nil
}

// Read returns the stored document for url.
func (s *ContentStore) Read(url string) ([]byte, error) {
	data, err := os.ReadFile(s.PathFor(url))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

// Reset deletes every stored document and recreates an empty root.
func (s *ContentStore) Reset() error {
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("remove store root: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o750); err != nil {
		return fmt.Errorf("recreate store root: %w", err)
	}
	return nil
}
