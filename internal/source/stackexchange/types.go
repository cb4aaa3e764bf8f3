package stackexchange

import (
	"time"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

type backoffCarrier interface {
	meta() (quotaRemaining, backoff int)
}

// envelope is the common wrapper object of every API response.
type envelope[T any] struct {
	Items          []T  `json:"items"`
	HasMore        bool `json:"has_more"`
	QuotaMax       int  `json:"quota_max"`
	QuotaRemaining int  `json:"quota_remaining"`
	Backoff        int  `json:"backoff"`
}

func (e *envelope[T]) meta() (int, int) {
	return e.QuotaRemaining, e.Backoff
}

type searchItem struct {
	QuestionID   int64    `json:"question_id"`
	Title        string   `json:"title"`
	Tags         []string `json:"tags"`
	ViewCount    int64    `json:"view_count"`
	Score        int64    `json:"score"`
	CreationDate int64    `json:"creation_date"`
	Link         string   `json:"link"`
}

func (s searchItem) question() crawler.Question {
	q := crawler.Question{
		ID:        s.QuestionID,
		Title:     s.Title,
		Tags:      s.Tags,
		ViewCount: s.ViewCount,
		Score:     s.Score,
		Link:      s.Link,
	}
	if s.CreationDate > 0 {
		q.CreationDate = time.Unix(s.CreationDate, 0).UTC()
	}
	return q
}

type synonymItem struct {
	FromTag string `json:"from_tag"`
	ToTag   string `json:"to_tag"`
}

type apiError struct {
	ErrorID      int    `json:"error_id"`
	ErrorName    string `json:"error_name"`
	ErrorMessage string `json:"error_message"`
}

func (e apiError) message() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	return e.ErrorName
}
