package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/api/middleware"
	"github.com/alqutdigital/board-harvester/internal/live"
	"github.com/alqutdigital/board-harvester/internal/metrics"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

func testDeps(t *testing.T) Dependencies {
	t.Helper()
	cfg, err := site.Parse([]byte("code: alpha\nbase_url: https://alpha.example.org\nlist_url: https://alpha.example.org/list?page={page}\nlist:\n  row: tr\n"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics.New(reg).PageFetched(t.Context(), "alpha", 1, 3)

	return Dependencies{
		Logger:   logger.Discard(),
		Sites:    site.NewRegistry(cfg),
		Records:  storage.NewFileStore(t.TempDir()),
		Gatherer: reg,
	}
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Routes(t *testing.T) {
	h := NewRouter(testDeps(t), DefaultRouterConfig())

	tests := []struct {
		path string
		want int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusOK},
		{"/api/v1/sites", http.StatusOK},
		{"/api/v1/sites/alpha", http.StatusOK},
		{"/api/v1/sites/alpha/records", http.StatusOK},
		{"/api/v1/sites/alpha/records/1", http.StatusNotFound},
		{"/api/v1/sites/alpha/records/1/attachments/a.pdf", http.StatusNotFound},
		{"/api/v1/sites/zeta/records", http.StatusNotFound},
		{"/api/v1/runs", http.StatusServiceUnavailable},
		{"/api/v1/live", http.StatusNotFound},
		{"/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, get(h, tt.path).Code)
		})
	}
}

func TestRouter_RequestIDAndMetrics(t *testing.T) {
	h := NewRouter(testDeps(t), DefaultRouterConfig())

	rec := get(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "board_harvester_crawl_pages_fetched_total")
}

func TestRouter_RateLimitWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	deps := testDeps(t)
	deps.RateLimitStore = middleware.NewRedisRateLimitStore(client, "")
	cfg := DefaultRouterConfig()
	cfg.RateLimitConfig.Default = middleware.Limit{Requests: 2, Window: time.Minute}
	h := NewRouter(deps, cfg)

	assert.Equal(t, http.StatusOK, get(h, "/api/v1/sites").Code)
	assert.Equal(t, http.StatusOK, get(h, "/api/v1/sites").Code)
	rec := get(h, "/api/v1/sites")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get(h, "/health").Code)
}

func TestRouter_LiveThroughMiddleware(t *testing.T) {
	hub := live.NewHub(live.DefaultConfig(), logger.Discard())
	defer hub.Close()

	deps := testDeps(t)
	deps.Live = hub
	srv := httptest.NewServer(NewRouter(deps, DefaultRouterConfig()))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/live", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.PageFetched(context.Background(), "alpha", 1, 3)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"page"`)
}

func TestFormatAddr(t *testing.T) {
	assert.Equal(t, ":8080", formatAddr("", 8080))
	assert.Equal(t, "127.0.0.1:9000", formatAddr("127.0.0.1", 9000))
}
