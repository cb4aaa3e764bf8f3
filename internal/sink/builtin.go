package sink

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Built-in sink tags.
const (
	TypeStd = "std"
	TypeCSV = "csv"
)

// RegisterBuiltins registers the stream and file sinks. std writes to out.
func RegisterBuiltins(r *Registry, out io.Writer) error {
	if err := r.Register(TypeStd, func(context.Context, Target) (crawler.Sink, error) {
		return NewStd(out), nil
	}); err != nil {
		return err
	}
	return r.Register(TypeCSV, func(_ context.Context, target Target) (crawler.Sink, error) {
		return OpenCSV(ExpandPath(target.Path, target.WorkerID))
	})
}

// ExpandPath fills a worker placeholder such as "worker[%d]_appender.csv".
// Patterns without a verb are returned as is.
func ExpandPath(pattern string, workerID int) string {
	if !strings.Contains(pattern, "%d") {
		return pattern
	}
	return fmt.Sprintf(pattern, workerID)
}
