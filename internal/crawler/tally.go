package crawler

import (
	"maps"
	"sync"
)

// FetchTally aggregates page and item counts plus per-worker terminal errors
// for one dispatcher run. All mutation happens under a single mutex.
type FetchTally struct {
	mu     sync.Mutex
	pages  int64
	items  int64
	errors map[int]ErrorDetail
}

// TallySnapshot is an immutable copy of a FetchTally.
type TallySnapshot struct {
	PagesFetched int64               `json:"pages_fetched" yaml:"pages_fetched"`
	ItemsFetched int64               `json:"items_fetched" yaml:"items_fetched"`
	Errors       map[int]ErrorDetail `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// NewFetchTally starts a tally from previously persisted counters.
func NewFetchTally(pages, items int64) *FetchTally {
	return &FetchTally{
		pages:  pages,
		items:  items,
		errors: make(map[int]ErrorDetail),
	}
}

// RecordPage counts one successful page holding items rows.
func (t *FetchTally) RecordPage(items int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages++
	t.items += int64(items)
}

// RecordError stores the terminal error of a worker. The first error recorded
// for a worker wins.
func (t *FetchTally) RecordError(workerID int, detail ErrorDetail) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.errors[workerID]; exists {
		return
	}
	t.errors[workerID] = detail
}

// Snapshot copies the current values.
func (t *FetchTally) Snapshot() TallySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TallySnapshot{
		PagesFetched: t.pages,
		ItemsFetched: t.items,
		Errors:       maps.Clone(t.errors),
	}
}
