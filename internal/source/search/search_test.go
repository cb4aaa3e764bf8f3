package search

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const resultPage = `<html><body>
<div class="g"><h3 class="r"><a href="https://stackoverflow.com/questions/101/how-to-close-a-channel">one</a></h3></div>
<div class="g"><a href="/url?q=https://stackoverflow.com/questions/202/select-timeout&amp;sa=U">two</a></div>
<div class="g"><a href="https://stackoverflow.com/questions/101/how-to-close-a-channel">dup</a></div>
<div class="g"><a href="https://stackoverflow.com/questions/tagged/go">tag page</a></div>
<div class="g"><a href="https://example.com/questions/303/nope">other site</a></div>
<a href="https://stackoverflow.com/questions/404/outside-result-block">outside</a>
</body></html>`

type stubFetcher struct {
	mu       sync.Mutex
	requests []crawler.FetchRequest
	resp     crawler.FetchResponse
	err      error
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.resp, s.err
}

func TestDiscoverExtractsQuestionLinks(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(resultPage)}}
	src, err := New(Config{}, fetcher, nil)
	require.NoError(t, err)

	links, err := src.Discover(context.Background(), 20, 10, JoinQuery([]string{"go channels", " ", "select"}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://stackoverflow.com/questions/101/how-to-close-a-channel",
		"https://stackoverflow.com/questions/202/select-timeout",
	}, links)

	require.Len(t, fetcher.requests, 1)
	u, err := url.Parse(fetcher.requests[0].URL)
	require.NoError(t, err)
	assert.Equal(t, "www.google.com", u.Host)
	assert.Equal(t, "site:stackoverflow.com/questions go channels OR select", u.Query().Get("q"))
	assert.Equal(t, "20", u.Query().Get("start"))
	assert.Equal(t, "10", u.Query().Get("num"))
}

func TestDiscoverErrorStatusIsTerminal(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusTooManyRequests, Body: []byte("unusual traffic")}}
	src, err := New(Config{}, fetcher, nil)
	require.NoError(t, err)

	_, err = src.Discover(context.Background(), 0, 10, "go")
	detail, ok := crawler.AsErrorDetail(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, detail.Code)
	assert.Equal(t, "unusual traffic", detail.Raw)
}

func TestDiscoverFetchFailureIsTransient(t *testing.T) {
	t.Parallel()

	src, err := New(Config{}, &stubFetcher{err: errors.New("connection reset")}, nil)
	require.NoError(t, err)

	_, err = src.Discover(context.Background(), 0, 10, "go")
	require.Error(t, err)
	assert.False(t, crawler.IsTerminal(err))
}

func TestExtractLinksCustomPattern(t *testing.T) {
	t.Parallel()

	links, err := ExtractLinks([]byte(resultPage), regexp.MustCompile(`^https://example\.com/`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/questions/303/nope"}, links)
}

func TestNewRequiresFetcher(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}
