package crawler

import (
	"context"
	"net/http"
	"time"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
)

// Session is the part of the browser the engine drives. *browser.Session
// implements it.
type Session interface {
	EnsureAlive(ctx context.Context) error
	Navigate(ctx context.Context, url string, policy browser.WaitPolicy) error
	HTML(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, script string, out any, timeout time.Duration) error
	ClickAndCapture(ctx context.Context, script string, timeout time.Duration) (string, error)
	DownloadByScript(ctx context.Context, script, dir string, timeout time.Duration) (*browser.Download, error)
	Cookies(ctx context.Context, url string) ([]*http.Cookie, error)
}

// PageFetcher produces the entries of one listing page. An empty slice with a
// nil error means the listing is exhausted.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int) ([]models.ListEntry, error)
}

// URLResolver turns a list entry into a detail URL. It returns an error
// wrapping ErrResolution when no strategy applies.
type URLResolver interface {
	Resolve(ctx context.Context, entry models.ListEntry) (string, error)
}

// DetailFetcher loads a detail page and extracts its record.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, entry models.ListEntry, url string) (*models.DetailRecord, error)
}

// AttachmentDownloader saves one attachment into destDir and returns its path.
type AttachmentDownloader interface {
	Download(ctx context.Context, ref models.AttachmentRef, referer, destDir string) (string, error)
}

// ScanResult is the on-disk state of a site's output directory.
type ScanResult struct {
	NextSeq int
	Titles  []string
}

// RecordStore persists records and reports what already exists.
type RecordStore interface {
	Scan(site string) (ScanResult, error)
	Create(site string, seq int, title string) (*models.RecordDraft, error)
	Finalize(draft *models.RecordDraft, rec *models.DetailRecord, results []models.DownloadResult) (models.SavedRecord, error)
	Discard(draft *models.RecordDraft) error
}

// FailureRecorder receives every swallowed error. Implementations are best
// effort; their own errors are logged and ignored.
type FailureRecorder interface {
	Record(ctx context.Context, f models.Failure) error
}

// SkipReason explains why an entry was not saved.
type SkipReason string

const (
	SkipDuplicate  SkipReason = "duplicate"
	SkipNewer      SkipReason = "newer_than_target"
	SkipUntitled   SkipReason = "untitled"
	SkipResolution SkipReason = "resolution"
	SkipExtraction SkipReason = "extraction"
	SkipSave       SkipReason = "save"
)

// Observer is notified of crawl progress. Implementations must not block.
type Observer interface {
	PageFetched(ctx context.Context, site string, page, entries int)
	EntrySkipped(ctx context.Context, site string, reason SkipReason)
	RecordSaved(ctx context.Context, rec models.SavedRecord)
	RunFinished(ctx context.Context, res Result)
}

// NopObserver can be embedded to implement only some Observer methods.
type NopObserver struct{}

func (NopObserver) PageFetched(context.Context, string, int, int)    {}
func (NopObserver) EntrySkipped(context.Context, string, SkipReason) {}
func (NopObserver) RecordSaved(context.Context, models.SavedRecord)  {}
func (NopObserver) RunFinished(context.Context, Result)              {}

// Observers fans notifications out in order.
type Observers []Observer

func (o Observers) PageFetched(ctx context.Context, site string, page, entries int) {
	for _, x := range o {
		x.PageFetched(ctx, site, page, entries)
	}
}

func (o Observers) EntrySkipped(ctx context.Context, site string, reason SkipReason) {
	for _, x := range o {
		x.EntrySkipped(ctx, site, reason)
	}
}

func (o Observers) RecordSaved(ctx context.Context, rec models.SavedRecord) {
	for _, x := range o {
		x.RecordSaved(ctx, rec)
	}
}

func (o Observers) RunFinished(ctx context.Context, res Result) {
	for _, x := range o {
		x.RunFinished(ctx, res)
	}
}
