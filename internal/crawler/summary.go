package crawler

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// RunKind names the engine that produced a Summary.
type RunKind string

// Supported run kinds.
const (
	RunKindFetch    RunKind = "fetch"
	RunKindDiscover RunKind = "discover"
)

// Summary is the final report of a run. Failed is true iff a worker or
// identifier recorded a terminal response.
type Summary struct {
	RunID   string                 `json:"run_id"`
	Kind    RunKind                `json:"kind"`
	Started time.Time              `json:"started_at"`
	Elapsed time.Duration          `json:"elapsed"`
	Pages   int64                  `json:"pages"`
	Items   int64                  `json:"items"`
	Links   int64                  `json:"links,omitempty"`
	Dropped int64                  `json:"dropped,omitempty"`
	Errors  map[string]ErrorDetail `json:"errors,omitempty"`
	Failed  bool                   `json:"failed"`
}

// String renders the summary as a short multi-line report.
func (s Summary) String() string {
	var b strings.Builder
	status := "succeeded"
	if s.Failed {
		status = "failed"
	}
	fmt.Fprintf(&b, "%s run %s %s\n", s.Kind, s.RunID, status)
	fmt.Fprintf(&b, "  - used time: %s\n", FormatElapsed(s.Elapsed))
	if s.Kind == RunKindDiscover {
		fmt.Fprintf(&b, "  - total links: %d\n", s.Links)
		fmt.Fprintf(&b, "  - dropped links: %d\n", s.Dropped)
	} else {
		fmt.Fprintf(&b, "  - total pages: %d\n", s.Pages)
	}
	fmt.Fprintf(&b, "  - total items: %d\n", s.Items)
	keys := make([]string, 0, len(s.Errors))
	for k := range s.Errors {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		e := s.Errors[k]
		fmt.Fprintf(&b, "  - error [%s]: %d %s\n", k, e.Code, e.Message)
	}
	return b.String()
}

// FormatElapsed renders a duration the way run reports print it.
func FormatElapsed(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.3fs", d.Seconds())
	case d < time.Hour:
		minutes := d / time.Minute
		rest := d - minutes*time.Minute
		return fmt.Sprintf("%dmin %.3fs", minutes, rest.Seconds())
	default:
		return fmt.Sprintf("%.3fh", d.Hours())
	}
}
