package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// ErrNotFound signals that no progress has been stored yet.
var ErrNotFound = errors.New("progress record not found")

// FetchState is the resume point of a paginated fetch run.
type FetchState struct {
	Cursors      []crawler.WorkerCursor      `json:"cursors" yaml:"cursors"`
	PagesFetched int64                       `json:"pages_fetched" yaml:"pages_fetched"`
	ItemsFetched int64                       `json:"items_fetched" yaml:"items_fetched"`
	Errors       map[int]crawler.ErrorDetail `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Cursor returns the stored cursor for workerID.
func (s *FetchState) Cursor(workerID int) (crawler.WorkerCursor, bool) {
	if s == nil {
		return crawler.WorkerCursor{}, false
	}
	for _, c := range s.Cursors {
		if c.WorkerID == workerID {
			return c, true
		}
	}
	return crawler.WorkerCursor{}, false
}

// DiscoveryState is the resume point of a discovery pipeline run.
type DiscoveryState struct {
	Start        int   `json:"start" yaml:"start"`
	PageSize     int   `json:"page_size" yaml:"page_size"`
	LinksFound   int64 `json:"links_found" yaml:"links_found"`
	ItemsFetched int64 `json:"items_fetched" yaml:"items_fetched"`
}

// State is everything a ProgressStore persists for one key.
type State struct {
	Fetch     *FetchState     `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	Discovery *DiscoveryState `json:"discovery,omitempty" yaml:"discovery,omitempty"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"updated_at"`
}

// ProgressStore loads and stores the resume state of a run. Load returns
// ErrNotFound when nothing was stored for the key.
type ProgressStore interface {
	Load(ctx context.Context) (State, error)
	Store(ctx context.Context, state State) error
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.;+-]+`)

// Key derives a stable progress key from a run kind and its filters, e.g.
// fetch + [java, android] -> "fetch_android;java".
func Key(kind crawler.RunKind, parts ...string) (string, error) {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		cleaned = append(cleaned, unsafeKeyChars.ReplaceAllString(p, "-"))
	}
	if len(cleaned) == 0 {
		return "", fmt.Errorf("progress key for %s requires at least one filter", kind)
	}
	slices.Sort(cleaned)
	return fmt.Sprintf("%s_%s", kind, strings.Join(cleaned, crawler.TagSeparator)), nil
}
