package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
)

// MockSession implements Session for testing. Pages maps URLs to documents.
type MockSession struct {
	mu          sync.Mutex
	pages       map[string]string
	navErr      map[string]error
	aliveErr    error
	location    string
	navigated   []string
	clickResult string
	clickErr    error
	clicked     []string
	download    func(script, dir string) (*browser.Download, error)
	cookies     []*http.Cookie
}

func NewMockSession() *MockSession {
	return &MockSession{pages: map[string]string{}, navErr: map[string]error{}}
}

func (m *MockSession) EnsureAlive(ctx context.Context) error { return m.aliveErr }

func (m *MockSession) Navigate(ctx context.Context, url string, policy browser.WaitPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.navigated = append(m.navigated, url)
	if err := m.navErr[url]; err != nil {
		return &browser.NavigationError{URL: url, Err: err}
	}
	m.location = url
	return nil
}

func (m *MockSession) HTML(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	html, ok := m.pages[m.location]
	if !ok {
		return "", fmt.Errorf("no page for %s", m.location)
	}
	return html, nil
}

func (m *MockSession) Location(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location, nil
}

func (m *MockSession) Evaluate(ctx context.Context, script string, out any, timeout time.Duration) error {
	return nil
}

func (m *MockSession) ClickAndCapture(ctx context.Context, script string, timeout time.Duration) (string, error) {
	m.clicked = append(m.clicked, script)
	return m.clickResult, m.clickErr
}

func (m *MockSession) DownloadByScript(ctx context.Context, script, dir string, timeout time.Duration) (*browser.Download, error) {
	if m.download == nil {
		return nil, errors.New("no download configured")
	}
	return m.download(script, dir)
}

func (m *MockSession) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	return m.cookies, nil
}

// MockPages implements PageFetcher from a fixed page table.
type MockPages struct {
	pages map[int][]models.ListEntry
	errs  map[int]error
	calls []int
}

func (m *MockPages) FetchPage(ctx context.Context, page int) ([]models.ListEntry, error) {
	m.calls = append(m.calls, page)
	if err := m.errs[page]; err != nil {
		return nil, err
	}
	return m.pages[page], nil
}

// MockResolver resolves every title to a fixed URL unless it is in fail.
type MockResolver struct {
	fail  map[string]bool
	calls int
}

func (m *MockResolver) Resolve(ctx context.Context, entry models.ListEntry) (string, error) {
	m.calls++
	if m.fail[entry.Title] {
		return "", fmt.Errorf("%w: %q", ErrResolution, entry.Title)
	}
	return "https://board.example.org/view/" + entry.Title, nil
}

// MockDetails builds records from the entry; dates and attachments come from
// the maps.
type MockDetails struct {
	dates       map[string]string
	attachments map[string][]models.AttachmentRef
	fail        map[string]bool
	errs        map[string]error
	calls       map[string]int
}

func NewMockDetails() *MockDetails {
	return &MockDetails{
		dates:       map[string]string{},
		attachments: map[string][]models.AttachmentRef{},
		fail:        map[string]bool{},
		errs:        map[string]error{},
		calls:       map[string]int{},
	}
}

func (m *MockDetails) FetchDetail(ctx context.Context, entry models.ListEntry, url string) (*models.DetailRecord, error) {
	m.calls[entry.Title]++
	if err := m.errs[entry.Title]; err != nil {
		return nil, err
	}
	if m.fail[entry.Title] {
		return nil, &StageError{Stage: StageDetail, Title: entry.Title, URL: url, Err: ErrExtraction}
	}
	date := models.ParseDate(entry.ListDate)
	if date == nil {
		date = models.ParseDate(m.dates[entry.Title])
	}
	return &models.DetailRecord{
		Title:         entry.Title,
		CanonicalURL:  url,
		PublishedDate: date,
		BodyText:      "body of " + entry.Title,
		Attachments:   m.attachments[entry.Title],
	}, nil
}

// MockDownloader writes a small file per attachment and fails the names in fail.
type MockDownloader struct {
	fail  map[string]bool
	calls []string
}

func (m *MockDownloader) Download(ctx context.Context, ref models.AttachmentRef, referer, destDir string) (string, error) {
	m.calls = append(m.calls, ref.DisplayName)
	if m.fail[ref.DisplayName] {
		return "", fmt.Errorf("%w: %s: boom", ErrDownload, ref.DisplayName)
	}
	p := filepath.Join(destDir, ref.DisplayName)
	if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// MockStore is an in-memory RecordStore. Drafts still get real folders so
// downloads have somewhere to go.
type MockStore struct {
	root      string
	scan      ScanResult
	saved     []models.SavedRecord
	results   map[int][]models.DownloadResult
	created   []int
	discarded []int
	failSave  map[string]bool
}

func NewMockStore(root string) *MockStore {
	return &MockStore{root: root, results: map[int][]models.DownloadResult{}, failSave: map[string]bool{}}
}

func (m *MockStore) Scan(site string) (ScanResult, error) {
	res := m.scan
	if res.NextSeq == 0 {
		res.NextSeq = 1
	}
	for _, s := range m.saved {
		res.Titles = append(res.Titles, s.Title)
		if s.Seq >= res.NextSeq {
			res.NextSeq = s.Seq + 1
		}
	}
	return res, nil
}

func (m *MockStore) Create(site string, seq int, title string) (*models.RecordDraft, error) {
	m.created = append(m.created, seq)
	dir := filepath.Join(m.root, fmt.Sprintf("%03d_%s", seq, title))
	att := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(att, 0o755); err != nil {
		return nil, err
	}
	return &models.RecordDraft{Site: site, Seq: seq, Title: title, Dir: dir, AttachmentsDir: att}, nil
}

func (m *MockStore) Finalize(draft *models.RecordDraft, rec *models.DetailRecord, results []models.DownloadResult) (models.SavedRecord, error) {
	if m.failSave[draft.Title] {
		return models.SavedRecord{}, errors.New("disk full")
	}
	m.results[draft.Seq] = results
	saved := models.SavedRecord{Site: draft.Site, Seq: draft.Seq, Title: draft.Title, Dir: draft.Dir, Attachments: len(results)}
	for _, r := range results {
		if !r.OK() {
			saved.FailedFiles++
		}
	}
	m.saved = append(m.saved, saved)
	return saved, nil
}

func (m *MockStore) Discard(draft *models.RecordDraft) error {
	m.discarded = append(m.discarded, draft.Seq)
	return os.RemoveAll(draft.Dir)
}

func (m *MockStore) titles() []string {
	out := make([]string, 0, len(m.saved))
	for _, s := range m.saved {
		out = append(out, s.Title)
	}
	return out
}

// MockRecorder collects failures.
type MockRecorder struct {
	failures []models.Failure
	err      error
}

func (m *MockRecorder) Record(ctx context.Context, f models.Failure) error {
	m.failures = append(m.failures, f)
	return m.err
}

func (m *MockRecorder) types() []string {
	out := make([]string, 0, len(m.failures))
	for _, f := range m.failures {
		out = append(out, f.ErrorType)
	}
	return out
}

// MockObserver records notifications.
type MockObserver struct {
	NopObserver
	skips    map[SkipReason]int
	saved    int
	finished []Result
}

func (m *MockObserver) EntrySkipped(ctx context.Context, site string, reason SkipReason) {
	if m.skips == nil {
		m.skips = map[SkipReason]int{}
	}
	m.skips[reason]++
}

func (m *MockObserver) RecordSaved(ctx context.Context, rec models.SavedRecord) { m.saved++ }

func (m *MockObserver) RunFinished(ctx context.Context, res Result) {
	m.finished = append(m.finished, res)
}

func entry(title, date string) models.ListEntry {
	return models.ListEntry{Title: title, ListDate: date}
}
