package crawler

import (
	"context"
	"time"
)

// ContentStore persists fetched documents addressed by URL.
type ContentStore interface {
	PathFor(url string) string
	Exists(url string) bool
	Write(ctx context.Context, url string, data []byte) (string, error)
}

// Ledger is the append-only record of per-URL outcomes.
type Ledger interface {
	Load() (map[string]FetchOutcome, error)
	Append(ctx context.Context, outcome FetchOutcome) (bool, error)
}

// DedupIndex answers whether a URL was already seen by any pipeline stage.
type DedupIndex interface {
	Contains(url string) bool
	Add(url string)
}

// RateLimiter gates requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, domain string) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// BlockDetector reports whether a page body carries a block signal.
type BlockDetector interface {
	Detect(body []byte) (bool, string)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// OutcomeSink mirrors ledger outcomes into another system.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome FetchOutcome) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
