package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/progress/sinks"
)

func seededStatus(t *testing.T) (*sinks.StatusSink, uuid.UUID, uuid.UUID) {
	t.Helper()
	status := sinks.NewStatusSink()
	fetchID, discoverID := uuid.New(), uuid.New()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, status.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(fetchID), TS: now, Stage: progress.StageRunStart, Kind: "fetch", Note: "fetch_go"},
		{RunID: progress.UUIDToBytes(fetchID), TS: now.Add(time.Second), Stage: progress.StagePageFetched, Kind: "fetch", WorkerID: 1, Page: 1, Items: 30},
		{RunID: progress.UUIDToBytes(discoverID), TS: now.Add(2 * time.Second), Stage: progress.StageRunStart, Kind: "discover", Note: "discover_go"},
		{RunID: progress.UUIDToBytes(discoverID), TS: now.Add(3 * time.Second), Stage: progress.StageRunDone, Kind: "discover"},
	}))
	return status, fetchID, discoverID
}

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServerMetrics(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusList(t *testing.T) {
	t.Parallel()

	status, fetchID, _ := seededStatus(t)
	srv := NewServer(status, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []sinks.RunStatus `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, fetchID, body.Runs[0].RunID)
	assert.Equal(t, int64(30), body.Runs[0].Items)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?state=running", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, "fetch", body.Runs[0].Kind)
}

func TestStatusListRejectsBadFilters(t *testing.T) {
	t.Parallel()

	status, _, _ := seededStatus(t)
	srv := NewServer(status, nil)

	for _, target := range []string{"/status?limit=-1", "/status?state=sleeping"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestStatusGet(t *testing.T) {
	t.Parallel()

	status, _, discoverID := seededStatus(t)
	srv := NewServer(status, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+discoverID.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run sinks.RunStatus `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, sinks.StateSuccess, body.Run.State)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnavailableWithoutProvider(t *testing.T) {
	t.Parallel()

	srv := NewServer(nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewServer(nil, nil)
	go func() { done <- srv.serveListener(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
