// Package dedup tracks URLs already known to any pipeline stage.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/crawler"
	"github.com/laconfrerieorg/ObservatoireDuFeminismeMediatique/internal/dataset"
)

// Index is a concurrency-safe set of raw and normalized URLs.
type Index struct {
	mu         sync.RWMutex
	raw        map[string]struct{}
	normalized map[string]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{
		raw:        make(map[string]struct{}),
		normalized: make(map[string]struct{}),
	}
}

// Contains reports whether url, or its normalized form, has been added.
func (i *Index) Contains(url string) bool {
	if url == "" {
		return false
	}
	norm := crawler.NormalizeURL(url)
	i.mu.RLock()
	defer i.mu.RUnlock()
	if _, ok := i.raw[url]; ok {
		return true
	}
	_, ok := i.normalized[norm]
	return ok
}

// Add records url under both forms.
func (i *Index) Add(url string) {
	if url == "" {
		return
	}
	norm := crawler.NormalizeURL(url)
	i.mu.Lock()
	i.raw[url] = struct{}{}
	i.normalized[norm] = struct{}{}
	i.mu.Unlock()
}

// Admit adds url unless it is empty or already known, and reports whether it
// was added. Filtering a list through Admit keeps first occurrences only.
func (i *Index) Admit(url string) bool {
	if url == "" {
		return false
	}
	norm := crawler.NormalizeURL(url)
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.raw[url]; ok {
		return false
	}
	if _, ok := i.normalized[norm]; ok {
		return false
	}
	i.raw[url] = struct{}{}
	i.normalized[norm] = struct{}{}
	return true
}

// Len returns the number of distinct normalized URLs.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.normalized)
}

// Build unions the url column of every source. Missing files are skipped.
func Build(ctx context.Context, logger *zap.Logger, paths ...string) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := New()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("build dedup index: %w", err)
		}
		table, err := dataset.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("dedup source missing; skipping", zap.String("path", path))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load dedup source: %w", err)
		}
		urls := table.URLs()
		for _, u := range urls {
			idx.Add(u)
		}
		logger.Info("dedup source loaded", zap.String("path", path), zap.Int("urls", len(urls)))
	}
	return idx, nil
}
