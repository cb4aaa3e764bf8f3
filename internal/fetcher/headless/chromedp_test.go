package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{})
	require.NoError(t, err)
	defer f.Close()
	assert.Nil(t, f.tabs)
	assert.Equal(t, defaultNavTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, "body", f.cfg.WaitSelector)
}

func TestFetchHonorsTabLimit(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer f.Close()

	// Hold the only tab so Fetch has to wait and then give up.
	require.True(t, f.tabs.TryAcquire(1))
	defer f.tabs.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, crawler.FetchRequest{URL: "https://www.google.com/search?q=go"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := allocatorOptions(Config{})
	full := allocatorOptions(Config{UserAgent: "ua", ProxyURL: "socks5://127.0.0.1:1080", ExecPath: "/usr/bin/chromium"})
	assert.Len(t, full, len(base)+3)
}

func TestHeaderConversion(t *testing.T) {
	t.Parallel()

	out := toNetworkHeaders(http.Header{"Accept-Language": {"en"}, "X-Multi": {"a", "b"}, "X-Empty": {}})
	assert.Equal(t, "en", out["Accept-Language"])
	assert.Equal(t, []string{"a", "b"}, out["X-Multi"])
	assert.NotContains(t, out, "X-Empty")

	in := fromNetworkHeaders(network.Headers{"Retry-After": "30", "Set-Cookie": []any{"a=1", "b=2"}})
	assert.Equal(t, "30", in.Get("Retry-After"))
	assert.Equal(t, []string{"a=1", "b=2"}, in.Values("Set-Cookie"))
}

func TestMainDocumentResult(t *testing.T) {
	t.Parallel()

	doc := &mainDocument{}
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  429,
			URL:     "https://www.google.com/sorry/index",
			Headers: network.Headers{"Retry-After": "30"},
		},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://www.google.com/x.js"},
	})
	status, headers, url := doc.result("https://www.google.com/search?q=go", "")
	assert.Equal(t, 429, status)
	assert.Equal(t, "30", headers.Get("Retry-After"))
	assert.Equal(t, "https://www.google.com/sorry/index", url)

	empty := &mainDocument{}
	status, headers, url = empty.result("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, headers)
	assert.Equal(t, "https://final", url)
}
