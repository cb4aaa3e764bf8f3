// Package stackexchange implements crawler.PageSource over the Stack
// Exchange REST API.
package stackexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

const (
	sourceName = "stackexchange"

	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.stackexchange.com/2.3"
	// DefaultSite is the site parameter used when none is configured.
	DefaultSite = "stackoverflow"
	// DefaultPageSize matches the API default.
	DefaultPageSize = 30

	maxPageSize     = 100
	maxSynonymPages = 10
	maxErrorBody    = 64 << 10
)

// Limiter throttles requests per host and applies API backoff instructions.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
	Pause(rawURL string, d time.Duration)
}

// Config holds the query parameters shared by every request.
type Config struct {
	BaseURL  string
	Site     string
	PageSize int
	Sort     string
	Order    string
	Key      string
}

// Client queries the search and tag synonym endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Limiter
	logger  *zap.Logger
}

// New builds a Client. The http client is required; the limiter may be nil.
func New(cfg Config, httpClient *http.Client, limiter Limiter, logger *zap.Logger) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("stackexchange: http client is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("stackexchange: parse base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Site == "" {
		cfg.Site = DefaultSite
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PageSize > maxPageSize {
		return nil, fmt.Errorf("stackexchange: page size %d exceeds %d", cfg.PageSize, maxPageSize)
	}
	if cfg.Sort == "" {
		cfg.Sort = "activity"
	}
	if cfg.Order == "" {
		cfg.Order = "desc"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, logger: logger.Named("stackexchange")}, nil
}

// FetchPage returns one page of questions carrying every tag in filters.
func (c *Client) FetchPage(ctx context.Context, page int, filters []string) (crawler.PageResult, error) {
	if page < 1 {
		return crawler.PageResult{}, crawler.NewErrorDetail(http.StatusBadRequest,
			fmt.Sprintf("page %d is out of range, pages start at 1", page), "")
	}
	params := c.baseParams()
	params.Set("page", strconv.Itoa(page))
	params.Set("pagesize", strconv.Itoa(c.cfg.PageSize))
	params.Set("sort", c.cfg.Sort)
	params.Set("order", c.cfg.Order)
	if len(filters) > 0 {
		params.Set("tagged", crawler.JoinTags(filters))
	}

	var body envelope[searchItem]
	if err := c.get(ctx, c.cfg.BaseURL+"/search?"+params.Encode(), &body); err != nil {
		return crawler.PageResult{}, err
	}

	items := make([]crawler.Question, 0, len(body.Items))
	for _, it := range body.Items {
		items = append(items, it.question())
	}
	c.logger.Debug("page fetched",
		zap.Int("page", page),
		zap.Int("items", len(items)),
		zap.Bool("has_more", body.HasMore),
		zap.Int("quota_remaining", body.QuotaRemaining),
	)
	return crawler.PageResult{Items: items, HasMore: body.HasMore}, nil
}

// Synonyms returns the tags that are synonyms of any tag in tags.
func (c *Client) Synonyms(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	escaped := make([]string, len(tags))
	for i, tag := range tags {
		escaped[i] = url.PathEscape(tag)
	}
	endpoint := c.cfg.BaseURL + "/tags/" + strings.Join(escaped, crawler.TagSeparator) + "/synonyms?"

	var out []string
	seen := make(map[string]struct{})
	for page := 1; page <= maxSynonymPages; page++ {
		params := c.baseParams()
		params.Set("page", strconv.Itoa(page))
		params.Set("pagesize", strconv.Itoa(maxPageSize))

		var body envelope[synonymItem]
		if err := c.get(ctx, endpoint+params.Encode(), &body); err != nil {
			return nil, fmt.Errorf("synonyms page %d: %w", page, err)
		}
		for _, it := range body.Items {
			if _, ok := seen[it.FromTag]; ok || it.FromTag == "" {
				continue
			}
			seen[it.FromTag] = struct{}{}
			out = append(out, it.FromTag)
		}
		if !body.HasMore {
			break
		}
	}
	return out, nil
}

func (c *Client) baseParams() url.Values {
	params := url.Values{}
	params.Set("site", c.cfg.Site)
	if c.cfg.Key != "" {
		params.Set("key", c.cfg.Key)
	}
	return params
}

// get performs one request. A non-2xx response becomes a terminal
// *crawler.ErrorDetail; transport and decode failures are returned as plain
// errors so callers retry them.
func (c *Client) get(ctx context.Context, endpoint string, out backoffCarrier) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}
	start := time.Now()
	outcome := metrics.OutcomeTransient
	defer func() { metrics.ObserveSourceRequest(sourceName, outcome, time.Since(start)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("stackexchange request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return fmt.Errorf("read error body: %w", readErr)
		}
		outcome = metrics.OutcomeTerminal
		return errorDetail(resp, raw)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	outcome = metrics.OutcomeOK

	quota, backoff := out.meta()
	metrics.ObserveQuota(quota)
	if backoff > 0 {
		metrics.ObserveBackoff()
		c.logger.Warn("api requested backoff", zap.Int("seconds", backoff))
		if c.limiter != nil {
			c.limiter.Pause(endpoint, time.Duration(backoff)*time.Second)
		}
	}
	return nil
}

func errorDetail(resp *http.Response, raw []byte) *crawler.ErrorDetail {
	var apiErr apiError
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.ErrorID != 0 {
		return crawler.NewErrorDetail(apiErr.ErrorID, apiErr.message(), string(raw))
	}
	return crawler.NewErrorDetail(resp.StatusCode, http.StatusText(resp.StatusCode), string(raw))
}
