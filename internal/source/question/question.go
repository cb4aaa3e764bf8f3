// Package question implements crawler.DetailSource by parsing question pages.
package question

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

const sourceName = "question"

// codeUnrecognisedLayout marks a page that loaded but could not be parsed.
const codeUnrecognisedLayout = http.StatusUnprocessableEntity

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z",
	"2006-01-02 15:04:05",
}

// Source resolves question links through a crawler.Fetcher.
type Source struct {
	fetcher crawler.Fetcher
	headers http.Header
	logger  *zap.Logger
}

// New builds a Source. headers are sent with every request.
func New(fetcher crawler.Fetcher, headers http.Header, logger *zap.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("question: fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{fetcher: fetcher, headers: headers, logger: logger.Named("question")}, nil
}

// Resolve fetches link and parses it into a Question.
func (s *Source) Resolve(ctx context.Context, link string) (crawler.Question, error) {
	start := time.Now()
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: link, Headers: s.headers})
	if err != nil {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTransient, time.Since(start))
		return crawler.Question{}, fmt.Errorf("fetch question page: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTerminal, time.Since(start))
		return crawler.Question{}, crawler.NewErrorDetail(resp.StatusCode,
			"question request failed: "+http.StatusText(resp.StatusCode), "")
	}

	q, err := Parse(link, resp.Body)
	if err != nil {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTerminal, time.Since(start))
		return crawler.Question{}, err
	}
	metrics.ObserveSourceRequest(sourceName, metrics.OutcomeOK, time.Since(start))
	return q, nil
}

// Parse extracts a Question from a question page. Missing id or title is a
// terminal error; the other fields are left zero when absent.
func Parse(link string, body []byte) (crawler.Question, error) {
	id, err := IDFromLink(link)
	if err != nil {
		return crawler.Question{}, crawler.NewErrorDetail(codeUnrecognisedLayout, err.Error(), "")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Question{}, fmt.Errorf("parse question page: %w", err)
	}

	title := strings.TrimSpace(doc.Find("#question-header h1 a").First().Text())
	if title == "" {
		return crawler.Question{}, crawler.NewErrorDetail(codeUnrecognisedLayout,
			"page layout not recognised: missing title", "")
	}

	post := doc.Find("#question")
	var tags []string
	post.Find("a.post-tag").Each(func(_ int, a *goquery.Selection) {
		if tag := strings.TrimSpace(a.Text()); tag != "" {
			tags = append(tags, tag)
		}
	})

	return crawler.Question{
		ID:           id,
		Title:        title,
		Tags:         tags,
		ViewCount:    viewCount(doc),
		Score:        score(post),
		CreationDate: creationDate(doc),
		Link:         link,
	}, nil
}

// IDFromLink returns the numeric path segment following "questions/".
func IDFromLink(link string) (int64, error) {
	u, err := url.Parse(link)
	if err != nil {
		return 0, fmt.Errorf("parse link: %w", err)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] != "questions" {
			continue
		}
		id, err := strconv.ParseInt(segments[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("question id in %q: %w", link, err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("no question id in %q", link)
}

func score(post *goquery.Selection) int64 {
	vote := post.Find(".js-vote-count").First()
	if v, ok := vote.Attr("data-value"); ok {
		if n, ok := parseCount(v); ok {
			return n
		}
	}
	if n, ok := parseCount(vote.Text()); ok {
		return n
	}
	n, _ := parseCount(post.Find("span.vote-count-post").First().Text())
	return n
}

func viewCount(doc *goquery.Document) int64 {
	// Legacy sidebar table: the fourth cell holds "N times".
	if b := doc.Find("#qinfo td").Eq(3).Find("b").First(); b.Length() > 0 {
		if n, ok := parseCount(b.Text()); ok {
			return n
		}
	}
	var views int64
	doc.Find(`[title^="Viewed"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		title, _ := s.Attr("title")
		if n, ok := parseCount(strings.TrimPrefix(title, "Viewed")); ok {
			views = n
			return false
		}
		return true
	})
	return views
}

func creationDate(doc *goquery.Document) time.Time {
	if raw, ok := doc.Find("time[itemprop=dateCreated]").First().Attr("datetime"); ok {
		if t, ok := parseDate(raw); ok {
			return t
		}
	}
	if raw, ok := doc.Find("#qinfo p[title]").First().Attr("title"); ok {
		if t, ok := parseDate(raw); ok {
			return t
		}
	}
	return time.Time{}
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseCount reads the leading integer of s, ignoring thousands separators.
func parseCount(s string) (int64, bool) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", ""))
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
