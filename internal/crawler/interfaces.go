package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a URL, either statically or through a rendering browser.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RobotsChecker answers robots.txt questions; implementations cache per
// origin. Both methods take the URL about to be fetched.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string) bool
	CrawlDelay(ctx context.Context, rawURL string) time.Duration
}

// Extractor pulls links and metadata out of fetched content.
type Extractor interface {
	Extract(pageURL string, body []byte) (Extraction, error)
}

// Hasher computes digests for duplicate-content detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher emits payloads to an external message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
