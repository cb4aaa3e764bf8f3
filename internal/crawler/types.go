package crawler

import (
	"net/http"
	"strings"
	"time"
)

// Question is a single harvested row.
type Question struct {
	ID           int64     `json:"question_id" yaml:"question_id"`
	Title        string    `json:"title" yaml:"title"`
	Tags         []string  `json:"tags" yaml:"tags"`
	ViewCount    int64     `json:"view_count" yaml:"view_count"`
	Score        int64     `json:"score" yaml:"score"`
	CreationDate time.Time `json:"creation_date" yaml:"creation_date"`
	Link         string    `json:"link" yaml:"link"`
}

// CSVHeader is the column order every tabular sink writes.
var CSVHeader = []string{"ID", "Title", "Tags", "View Count", "Score", "Creation Date", "Link"}

// TagSeparator joins tags inside a single CSV cell and tag filter lists.
const TagSeparator = ";"

// JoinTags renders tags the way they are stored in a CSV cell.
func JoinTags(tags []string) string {
	return strings.Join(tags, TagSeparator)
}

// SplitTags parses a ';' separated tag list, dropping blanks.
func SplitTags(raw string) []string {
	parts := strings.Split(raw, TagSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WorkerCursor is the resume point of one paginated worker. Page always
// satisfies page mod step == workerID mod step.
type WorkerCursor struct {
	WorkerID int `json:"worker_id" yaml:"worker_id"`
	Page     int `json:"page" yaml:"page"`
	Step     int `json:"step" yaml:"step"`
}

// Advance returns the cursor moved one step forward.
func (c WorkerCursor) Advance() WorkerCursor {
	c.Page += c.Step
	return c
}

// DefaultCursor seeds worker id with its own index as the first page and the
// worker count as the step, so the workers partition the page space.
func DefaultCursor(workerID, workers int) WorkerCursor {
	return WorkerCursor{WorkerID: workerID, Page: workerID, Step: workers}
}

// PageResult is one page returned by a PageSource.
type PageResult struct {
	Items   []Question
	HasMore bool
}

// FetchRequest describes a single HTML page retrieval.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse captures the fetched page.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}
