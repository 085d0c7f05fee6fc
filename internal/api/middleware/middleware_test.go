package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"

	"github.com/alqutdigital/board-harvester/pkg/logger"
)

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestLogger_LogsCompletedRequest(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Output: &buf})

	h := chimiddleware.RequestID(Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hi"))
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tea", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/tea"`)
	assert.Contains(t, buf.String(), `"request_id"`)
}

func TestRecoverer(t *testing.T) {
	var buf bytes.Buffer
	h := Recoverer(logger.New(logger.Config{Output: &buf}))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "panic recovered")
}

func TestMemoryRateLimitStore_Window(t *testing.T) {
	s := NewMemoryRateLimitStore()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, _ := s.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(1), n)
	n, _ = s.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(2), n)

	now = now.Add(2 * time.Minute)
	n, _ = s.Increment(context.Background(), "k", time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestRateLimiter_GracefulDegradation(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cfg := DefaultRateLimitConfig()
	rec := httptest.NewRecorder()
	NewRateLimiter(failingStore{}, cfg, logger.Discard()).Middleware("default")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	cfg.GracefulDegradation = false
	rec = httptest.NewRecorder()
	NewRateLimiter(failingStore{}, cfg, logger.Discard()).Middleware("default")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimiter_SeparateClients(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	cfg.Downloads = Limit{Requests: 1, Window: time.Hour}
	h := NewRateLimiter(NewMemoryRateLimitStore(), cfg, logger.Discard()).Middleware("download")(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("1.1.1.1"))
	assert.Equal(t, http.StatusOK, do("2.2.2.2"))
}
