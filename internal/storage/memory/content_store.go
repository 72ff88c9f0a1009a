// Package memory stores documents in-memory for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/hash/sha256"
)

// ContentStore mirrors the local store's addressing without touching disk.
type ContentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewContentStore creates an empty in-memory content store.
func NewContentStore() *ContentStore {
	return &ContentStore{docs: make(map[string][]byte)}
}

// PathFor returns a pseudo path using the same shard layout as the disk store.
func (s *ContentStore) PathFor(url string) string {
	h := sha256.Sum(url)
	return fmt.Sprintf("memory://%s/%s", h[:2], h)
}

// Exists reports whether a non-empty document is held for url.
func (s *ContentStore) Exists(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[s.PathFor(url)]) > 0
}

// Write copies data into the store. Existing documents are kept.
func (s *ContentStore) Write(_ context.Context, url string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("content is empty")
	}
	path := s.PathFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[path]; !ok {
		s.docs[path] = append([]byte(nil), data...)
	}
	return path, nil
}

// Read returns a copy of the stored document for url.
func (s *ContentStore) Read(url string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[s.PathFor(url)]
	if !ok {
		return nil, fmt.Errorf("document for %s not found", url)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of stored documents.
func (s *ContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
