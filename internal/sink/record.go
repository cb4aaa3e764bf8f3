package sink

import (
	"strconv"
	"time"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Record renders q in CSVHeader column order.
func Record(q crawler.Question) []string {
	return []string{
		strconv.FormatInt(q.ID, 10),
		q.Title,
		crawler.JoinTags(q.Tags),
		strconv.FormatInt(q.ViewCount, 10),
		strconv.FormatInt(q.Score, 10),
		q.CreationDate.UTC().Format(time.RFC3339),
		q.Link,
	}
}

// ParseRecord is the inverse of Record.
func ParseRecord(rec []string) (crawler.Question, error) {
	if len(rec) != len(crawler.CSVHeader) {
		return crawler.Question{}, &RecordError{Field: "record", Value: strconv.Itoa(len(rec))}
	}
	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return crawler.Question{}, &RecordError{Field: "ID", Value: rec[0], Err: err}
	}
	views, err := strconv.ParseInt(rec[3], 10, 64)
	if err != nil {
		return crawler.Question{}, &RecordError{Field: "View Count", Value: rec[3], Err: err}
	}
	score, err := strconv.ParseInt(rec[4], 10, 64)
	if err != nil {
		return crawler.Question{}, &RecordError{Field: "Score", Value: rec[4], Err: err}
	}
	var created time.Time
	if rec[5] != "" {
		created, err = time.Parse(time.RFC3339, rec[5])
		if err != nil {
			return crawler.Question{}, &RecordError{Field: "Creation Date", Value: rec[5], Err: err}
		}
	}
	return crawler.Question{
		ID:           id,
		Title:        rec[1],
		Tags:         crawler.SplitTags(rec[2]),
		ViewCount:    views,
		Score:        score,
		CreationDate: created,
		Link:         rec[6],
	}, nil
}

// RecordError reports a CSV field that does not parse.
type RecordError struct {
	Field string
	Value string
	Err   error
}

func (e *RecordError) Error() string {
	if e.Err == nil {
		return "invalid " + e.Field + " " + strconv.Quote(e.Value)
	}
	return "invalid " + e.Field + " " + strconv.Quote(e.Value) + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
