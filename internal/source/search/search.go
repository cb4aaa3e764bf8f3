// Package search implements crawler.DiscoverySource by scraping search engine
// result pages for question links.
package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

const (
	sourceName = "search"

	// DefaultEndpoint is the result page queried for links.
	DefaultEndpoint = "https://www.google.com/search"
	// DefaultScope restricts results to question pages.
	DefaultScope = "site:stackoverflow.com/questions"
)

// DefaultLinkPattern accepts canonical question URLs only.
var DefaultLinkPattern = regexp.MustCompile(`^https://stackoverflow\.com/questions/\d+/.+`)

// Config controls how result pages are requested and filtered.
type Config struct {
	Endpoint    string
	Scope       string
	LinkPattern *regexp.Regexp
	Headers     http.Header
}

// Source discovers question links through a crawler.Fetcher.
type Source struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

// New builds a Source.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("search: fetcher is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("search: parse endpoint: %w", err)
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.LinkPattern == nil {
		cfg.LinkPattern = DefaultLinkPattern
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{cfg: cfg, fetcher: fetcher, logger: logger.Named("search")}, nil
}

// JoinQuery combines search terms so any of them matches.
func JoinQuery(terms []string) string {
	kept := make([]string, 0, len(terms))
	for _, term := range terms {
		if term = strings.TrimSpace(term); term != "" {
			kept = append(kept, term)
		}
	}
	return strings.Join(kept, " OR ")
}

// PageURL renders the result page address for offset and pageSize.
func (s *Source) PageURL(offset, pageSize int, query string) string {
	params := url.Values{}
	params.Set("q", strings.TrimSpace(s.cfg.Scope+" "+query))
	params.Set("start", strconv.Itoa(offset))
	params.Set("num", strconv.Itoa(pageSize))
	return s.cfg.Endpoint + "?" + params.Encode()
}

// Discover returns the question links on one result page, in page order and
// without duplicates.
func (s *Source) Discover(ctx context.Context, offset, pageSize int, query string) ([]string, error) {
	target := s.PageURL(offset, pageSize, query)
	start := time.Now()

	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: target, Headers: s.cfg.Headers})
	if err != nil {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTransient, time.Since(start))
		return nil, fmt.Errorf("fetch result page: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTerminal, time.Since(start))
		return nil, crawler.NewErrorDetail(resp.StatusCode, "search request failed: "+http.StatusText(resp.StatusCode), snippet(resp.Body))
	}

	links, err := ExtractLinks(resp.Body, s.cfg.LinkPattern)
	if err != nil {
		metrics.ObserveSourceRequest(sourceName, metrics.OutcomeTransient, time.Since(start))
		return nil, err
	}
	metrics.ObserveSourceRequest(sourceName, metrics.OutcomeOK, time.Since(start))
	s.logger.Debug("result page parsed", zap.Int("offset", offset), zap.Int("links", len(links)))
	return links, nil
}

// ExtractLinks parses a result page and returns the unique links matching
// pattern.
func ExtractLinks(body []byte, pattern *regexp.Regexp) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse result page: %w", err)
	}

	var links []string
	seen := make(map[string]struct{})
	doc.Find(".g").Each(func(_ int, block *goquery.Selection) {
		anchors := block.Find(".r a")
		if anchors.Length() == 0 {
			anchors = block.Find("a[href]")
		}
		anchors.Each(func(_ int, a *goquery.Selection) {
			href, ok := a.Attr("href")
			if !ok {
				return
			}
			link := unwrapRedirect(href)
			if !pattern.MatchString(link) {
				return
			}
			if _, dup := seen[link]; dup {
				return
			}
			seen[link] = struct{}{}
			links = append(links, link)
		})
	})
	return links, nil
}

// unwrapRedirect returns the destination of a "/url?q=" tracking link.
func unwrapRedirect(href string) string {
	if !strings.HasPrefix(href, "/url?") {
		return href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if q := u.Query().Get("q"); q != "" {
		return q
	}
	return href
}

func snippet(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit])
	}
	return string(body)
}
