package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// ===========================
// Mock Implementations
// ===========================

// MockRunHistory implements RunHistory for testing.
type MockRunHistory struct {
	runs     []storage.RunRow
	failures map[string][]storage.FailureRow
	err      error
	gotSite  string
	gotLimit int
}

func (m *MockRunHistory) RecentRuns(_ context.Context, site string, limit int) ([]storage.RunRow, error) {
	m.gotSite, m.gotLimit = site, limit
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.RunRow
	for _, r := range m.runs {
		if site == "" || r.Site == site {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockRunHistory) LastRun(ctx context.Context, site string) (*storage.RunRow, error) {
	runs, err := m.RecentRuns(ctx, site, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

func (m *MockRunHistory) Failures(_ context.Context, runID string) ([]storage.FailureRow, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.failures[runID], nil
}

// MockLocks implements LockInspector for testing.
type MockLocks map[string]string

func (m MockLocks) Holder(_ context.Context, site string) (string, error) {
	return m[site], nil
}

// MockRecords implements RecordReader and fails on demand.
type MockRecords struct {
	*storage.FileStore
	err error
}

func (m *MockRecords) Records(site string) ([]storage.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.FileStore.Records(site)
}

// ===========================
// Helpers
// ===========================

func testCatalog(t *testing.T) *site.Registry {
	t.Helper()
	cfg, err := site.Parse([]byte("code: alpha\nname: 알파 게시판\nbase_url: https://alpha.example.org\nlist_url: https://alpha.example.org/list?page={page}\nlist:\n  row: tr\n"))
	require.NoError(t, err)
	return site.NewRegistry(cfg)
}

func seedRecords(t *testing.T, n int) *MockRecords {
	t.Helper()
	s := storage.NewFileStore(t.TempDir())
	for i := 1; i <= n; i++ {
		draft, err := s.Create("alpha", i, "공고 "+string(rune('A'+i-1)))
		require.NoError(t, err)
		results := []models.DownloadResult{
			{Ref: models.AttachmentRef{DisplayName: "spec.pdf"}, SavedPath: filepath.Join(draft.AttachmentsDir, "spec.pdf")},
			{Ref: models.AttachmentRef{DisplayName: "form.hwp"}, Err: errors.New("404")},
		}
		require.NoError(t, os.WriteFile(results[0].SavedPath, []byte("%PDF"), 0o644))
		_, err = s.Finalize(draft, &models.DetailRecord{
			Title:         draft.Title,
			CanonicalURL:  "https://alpha.example.org/view?id=" + string(rune('0'+i)),
			PublishedDate: models.ParseDate("2024-03-01"),
			BodyText:      "본문",
		}, results)
		require.NoError(t, err)
	}
	return &MockRecords{FileStore: s}
}

func serve(h http.HandlerFunc, method, target string, params map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func testLogger() *logger.Logger { return logger.Discard() }

// ===========================
// Health Tests
// ===========================

func TestHealthCheck(t *testing.T) {
	rec := serve(HealthCheck("1.2.3"), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "board-harvester", resp.Service)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestReadyCheck_AllHealthy(t *testing.T) {
	ok := HealthFunc(func(context.Context) error { return nil })
	rec := serve(ReadyCheck(map[string]HealthChecker{"database": ok, "redis": ok, "object_storage": nil}), http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Components["database"])
	assert.Equal(t, "not configured", resp.Components["object_storage"])
}

func TestReadyCheck_Unhealthy(t *testing.T) {
	bad := HealthFunc(func(context.Context) error { return errors.New("connection refused") })
	rec := serve(ReadyCheck(map[string]HealthChecker{"database": bad}), http.MethodGet, "/ready", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp ReadyStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "unhealthy: connection refused", resp.Components["database"])
}

// ===========================
// Site Tests
// ===========================

func TestListSites(t *testing.T) {
	runs := &MockRunHistory{runs: []storage.RunRow{{ID: "run-2", Site: "alpha", Status: "cutoff_reached", Saved: 4}}}
	rec := serve(ListSites(testCatalog(t), runs, MockLocks{"alpha": "run-3"}, testLogger()), http.MethodGet, "/api/v1/sites", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []SiteSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "alpha", resp[0].Code)
	assert.Equal(t, "알파 게시판", resp[0].Name)
	require.NotNil(t, resp[0].LastRun)
	assert.Equal(t, "run-2", resp[0].LastRun.ID)
	assert.Equal(t, "run-3", resp[0].LockedBy)
}

func TestListSites_WithoutRunLog(t *testing.T) {
	rec := serve(ListSites(testCatalog(t), nil, nil, testLogger()), http.MethodGet, "/api/v1/sites", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "last_run")
}

func TestGetSite_NotFound(t *testing.T) {
	rec := serve(GetSite(testCatalog(t), nil, nil, testLogger()), http.MethodGet, "/api/v1/sites/nope", map[string]string{"code": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ===========================
// Record Tests
// ===========================

func TestListRecords_NewestFirst(t *testing.T) {
	records := seedRecords(t, 3)
	rec := serve(ListRecords(testCatalog(t), records, testLogger()), http.MethodGet, "/api/v1/sites/alpha/records?limit=2", map[string]string{"code": "alpha"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data       []RecordSummary `json:"data"`
		Pagination Pagination      `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 3, resp.Data[0].Seq)
	assert.Equal(t, 2, resp.Data[1].Seq)
	assert.Equal(t, "003_공고 C", resp.Data[0].Folder)
	assert.Equal(t, "2024-03-01", resp.Data[0].Date)
	assert.Equal(t, 2, resp.Data[0].Attachments)
	assert.Equal(t, 1, resp.Data[0].FailedFiles)
	assert.Equal(t, Pagination{Total: 3, Limit: 2, Offset: 0, HasMore: true}, resp.Pagination)
}

func TestListRecords_Offset(t *testing.T) {
	records := seedRecords(t, 3)
	rec := serve(ListRecords(testCatalog(t), records, testLogger()), http.MethodGet, "/x?limit=2&offset=2", map[string]string{"code": "alpha"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data       []RecordSummary `json:"data"`
		Pagination Pagination      `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Data[0].Seq)
	assert.False(t, resp.Pagination.HasMore)
}

func TestListRecords_InvalidParams(t *testing.T) {
	records := seedRecords(t, 0)
	for _, q := range []string{"?limit=0", "?limit=x", "?offset=-1"} {
		rec := serve(ListRecords(testCatalog(t), records, testLogger()), http.MethodGet, "/x"+q, map[string]string{"code": "alpha"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListRecords_ReadError(t *testing.T) {
	records := &MockRecords{err: errors.New("permission denied")}
	rec := serve(ListRecords(testCatalog(t), records, testLogger()), http.MethodGet, "/x", map[string]string{"code": "alpha"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetRecord(t *testing.T) {
	records := seedRecords(t, 2)
	rec := serve(GetRecord(testCatalog(t), records, testLogger()), http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "2"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RecordDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "공고 B", resp.Title)
	assert.Equal(t, "본문", resp.Body)
	assert.Equal(t, []storage.ManifestAttachment{
		{Name: "spec.pdf", Path: "attachments/spec.pdf"},
		{Name: "form.hwp", Failed: true},
	}, resp.Files)
}

func TestGetRecord_NotFound(t *testing.T) {
	records := seedRecords(t, 1)
	h := GetRecord(testCatalog(t), records, testLogger())

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "9"}).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "one"}).Code)
}

func TestDownloadAttachment(t *testing.T) {
	records := seedRecords(t, 1)
	h := DownloadAttachment(testCatalog(t), records, testLogger())

	rec := serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "1", "name": "spec.pdf"})
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, "%PDF", string(body))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "spec.pdf")

	assert.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "1", "name": "form.hwp"}).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "1", "name": "../content.md"}).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/x", map[string]string{"code": "alpha", "seq": "1", "name": ".hidden"}).Code)
}

// ===========================
// Run Tests
// ===========================

func TestListRuns(t *testing.T) {
	runs := &MockRunHistory{runs: []storage.RunRow{
		{ID: "run-2", Site: "alpha", FinishedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "run-1", Site: "beta"},
	}}
	rec := serve(ListRuns(runs, testLogger()), http.MethodGet, "/api/v1/runs?site=alpha&limit=5", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alpha", runs.gotSite)
	assert.Equal(t, 5, runs.gotLimit)
	var resp []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "run-2", resp[0]["id"])
	assert.Nil(t, resp[0]["error"])
}

func TestListRuns_Errors(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, serve(ListRuns(nil, testLogger()), http.MethodGet, "/x", nil).Code)
	assert.Equal(t, http.StatusBadRequest, serve(ListRuns(&MockRunHistory{}, testLogger()), http.MethodGet, "/x?limit=0", nil).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(ListRuns(&MockRunHistory{err: errors.New("db down")}, testLogger()), http.MethodGet, "/x", nil).Code)
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	rec := serve(ListRuns(&MockRunHistory{}, testLogger()), http.MethodGet, "/x", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetRunFailures(t *testing.T) {
	runs := &MockRunHistory{failures: map[string][]storage.FailureRow{
		"run-1": {{ID: 1, RunID: "run-1", ErrorType: "DownloadFailure", Message: "a.pdf"}},
	}}
	rec := serve(GetRunFailures(runs, testLogger()), http.MethodGet, "/x", map[string]string{"id": "run-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []storage.FailureRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "DownloadFailure", resp[0].ErrorType)
}
