package crawler

import (
	"context"
	"time"
)

// PageSource returns one page of questions for a 1-based page index.
type PageSource interface {
	FetchPage(ctx context.Context, page int, filters []string) (PageResult, error)
}

// DiscoverySource lists candidate question links from a result page.
type DiscoverySource interface {
	Discover(ctx context.Context, offset, pageSize int, query string) ([]string, error)
}

// DetailSource resolves one link into a question.
type DetailSource interface {
	Resolve(ctx context.Context, link string) (Question, error)
}

// Sink receives batches of rows and performs the final write.
type Sink interface {
	Append(ctx context.Context, rows []Question) error
	Close(ctx context.Context) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// RetryPolicy decides whether and when to retry a transient failure.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
