package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://stackoverflow.com/questions", "stackoverflow.com"},
		{"standard https", "https://StackOverflow.com/q/1", "stackoverflow.com"},
		{"no scheme", "api.stackexchange.com/2.3/questions", "api.stackexchange.com"},
		{"host with port", "localhost:8080", "localhost"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2xx", StatusClass(200))
	assert.Equal(t, "4xx", StatusClass(404))
	assert.Equal(t, "5xx", StatusClass(503))
	assert.Equal(t, "unknown", StatusClass(0))
	assert.Equal(t, "unknown", StatusClass(700))
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, sourceRequestsTotal)
	require.NotNil(t, fetchPagesTotal)
	require.NotNil(t, rateLimitDelaysSeconds)
	require.NotNil(t, stackExchangeQuotaRemaining)
}

func TestObserveHelpers(t *testing.T) {
	ObserveSourceRequest("test-source", OutcomeOK, 20*time.Millisecond)
	ObserveSourceRequest("test-source", OutcomeTerminal, time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(sourceRequestsTotal.WithLabelValues("test-source", OutcomeTerminal)), 0)

	ObserveFetch("test-fetcher", "https://example.org/q/1", 200, 512)
	assert.InDelta(t, 1, testutil.ToFloat64(fetchPagesTotal.WithLabelValues("test-fetcher", "example.org", "2xx")), 0)
	assert.InDelta(t, 512, testutil.ToFloat64(fetchBytesTotal.WithLabelValues("test-fetcher", "example.org")), 0)

	ObserveQuota(9876)
	assert.InDelta(t, 9876, testutil.ToFloat64(stackExchangeQuotaRemaining), 0)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://stackoverflow.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
