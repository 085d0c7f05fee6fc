package crawler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// MaxConsecutivePageFailures is the number of list pages in a row that may
// fail before the run aborts.
const MaxConsecutivePageFailures = 5

// Phase is the controller's position in the run.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePaging        Phase = "paging"
	PhaseProcessing    Phase = "processing"
	PhaseCutoffReached Phase = "cutoff_reached"
)

// Status is how a run ended.
type Status string

const (
	StatusExhausted     Status = "exhausted"
	StatusCutoffReached Status = "cutoff_reached"
	StatusMaxPages      Status = "max_pages"
	StatusFatalAbort    Status = "fatal_abort"
	StatusSessionFailed Status = "session_failed"
	StatusCancelled     Status = "cancelled"
)

// Fatal reports whether the status should fail the process.
func (s Status) Fatal() bool {
	return s == StatusFatalAbort || s == StatusSessionFailed
}

// Params configures one run.
type Params struct {
	Site      string
	Cutoff    Cutoff
	StartPage int
	// MaxPages stops the run after that many pages; zero means unlimited.
	MaxPages int
	Force    bool
	RunID    string
	// DateLayouts are the site's extra list date layouts.
	DateLayouts []string
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	Site       string
	Status     Status
	Saved      int
	Duplicates int
	Skipped    int
	Failed     int
	Pages      int
	LastPage   int
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Duration is how long the run took.
func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Deps are the collaborators a Controller drives.
type Deps struct {
	Pages      PageFetcher
	Resolver   URLResolver
	Details    DetailFetcher
	Downloader AttachmentDownloader
	Store      RecordStore
	Failures   FailureRecorder
	Observer   Observer
}

// Controller runs the crawl state machine for one site: it pages through the
// listing in order, applies the cutoff and duplicate rules to each entry and
// hands surviving entries through resolution, extraction, download and save.
// It is single-threaded; list order is what makes the cutoff rule sound.
type Controller struct {
	deps       Deps
	log        *logger.Logger
	phase      Phase
	state      *State
	sessionErr error
}

// NewController creates a controller. Failures and Observer are optional.
func NewController(deps Deps, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.Default()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	return &Controller{deps: deps, log: log.WithComponent("controller"), phase: PhaseIdle}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase { return c.phase }

// State returns the state of the current or last run.
func (c *Controller) State() *State { return c.state }

// Run crawls until the listing is exhausted, the cutoff is crossed, the page
// limit is hit, too many pages fail in a row or ctx is cancelled. Entry-level
// failures never end the run. The returned error is non-nil only when the run
// ended abnormally; the Result is always populated.
func (c *Controller) Run(ctx context.Context, p Params) (res Result, err error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if p.StartPage < 1 {
		p.StartPage = 1
	}
	res = Result{RunID: p.RunID, Site: p.Site, StartedAt: time.Now()}
	log := c.log.WithFields(map[string]any{"site": p.Site, "run_id": p.RunID})

	// Named results so the finish time reaches the caller as well as observers.
	defer func() {
		res.FinishedAt = time.Now()
		c.phase = PhaseIdle
		c.deps.Observer.RunFinished(context.WithoutCancel(ctx), res)
	}()

	scan, err := c.deps.Store.Scan(p.Site)
	if err != nil {
		res.Status, res.Err = StatusFatalAbort, fmt.Errorf("%w: scan output: %w", ErrSave, err)
		return res, res.Err
	}
	c.state = NewState(scan, p.Cutoff, p.Force)
	c.sessionErr = nil
	log.Info("crawl started",
		"next_seq", c.state.NextSeq,
		"known_titles", c.state.SeenCount(),
		"cutoff", p.Cutoff.String(),
		"start_page", p.StartPage,
		"force", p.Force,
	)

	failures := 0
	for page := p.StartPage; ; page++ {
		if err := ctx.Err(); err != nil {
			res.Status, res.Err = StatusCancelled, err
			break
		}
		if p.MaxPages > 0 && res.Pages >= p.MaxPages {
			res.Status = StatusMaxPages
			break
		}

		c.phase = PhasePaging
		entries, err := c.deps.Pages.FetchPage(ctx, page)
		if err != nil {
			var initErr *browser.SessionInitError
			if errors.As(err, &initErr) {
				c.recordFailure(ctx, p, "", "", err)
				res.Status, res.Err = StatusSessionFailed, err
				break
			}
			if ctx.Err() != nil {
				res.Status, res.Err = StatusCancelled, ctx.Err()
				break
			}
			failures++
			res.Failed++
			log.WithError(err).Warn("list page failed", "page", page, "consecutive", failures)
			c.recordFailure(ctx, p, "", fmt.Sprintf("page %d", page), err)
			if failures >= MaxConsecutivePageFailures {
				res.Err = fmt.Errorf("%w: %d pages ending at page %d", ErrFatalAbort, failures, page)
				res.Status = StatusFatalAbort
				c.recordFailure(ctx, p, "", "", res.Err)
				break
			}
			continue
		}
		failures = 0
		res.Pages++
		res.LastPage = page
		c.deps.Observer.PageFetched(ctx, p.Site, page, len(entries))

		if len(entries) == 0 {
			log.Info("listing exhausted", "page", page)
			res.Status = StatusExhausted
			break
		}

		if c.processPage(ctx, p, entries, &res, log) {
			if c.sessionErr != nil {
				c.recordFailure(ctx, p, "", "", c.sessionErr)
				res.Status, res.Err = StatusSessionFailed, c.sessionErr
				break
			}
			c.phase = PhaseCutoffReached
			res.Status = StatusCutoffReached
			break
		}
	}

	log.Info("crawl finished",
		"status", res.Status,
		"saved", res.Saved,
		"duplicates", res.Duplicates,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"pages", res.Pages,
	)
	return res, res.Err
}

// processPage handles a page's entries in order and reports whether the run
// must stop.
func (c *Controller) processPage(ctx context.Context, p Params, entries []models.ListEntry, res *Result, log *logger.Logger) bool {
	for _, entry := range entries {
		if ctx.Err() != nil {
			return false
		}
		c.phase = PhaseProcessing
		if c.processEntry(ctx, p, entry, res, log) {
			return true
		}
	}
	return false
}

// processEntry returns true when the run must stop: the entry crossed the
// cutoff, or the browser could not be restarted (sessionErr is set).
func (c *Controller) processEntry(ctx context.Context, p Params, entry models.ListEntry, res *Result, log *logger.Logger) bool {
	key := models.NormalizeTitle(entry.Title)
	if key == "" {
		c.skip(ctx, p, res, SkipUntitled)
		return false
	}

	// The list date is checked before the duplicate rule so a run of
	// already-saved titles past the cutoff still stops the crawl.
	listDate := models.ParseDate(entry.ListDate, p.DateLayouts...)
	switch c.state.Cutoff.Check(listDate) {
	case VerdictBefore:
		log.Info("cutoff reached", "title", entry.Title, "date", models.FormatDate(listDate), "page", entry.Page)
		return true
	case VerdictNewer:
		c.skip(ctx, p, res, SkipNewer)
		return false
	}

	if c.state.IsDuplicate(key) {
		log.Debug("duplicate skipped", "title", entry.Title)
		res.Duplicates++
		c.deps.Observer.EntrySkipped(ctx, p.Site, SkipDuplicate)
		return false
	}

	url, err := c.deps.Resolver.Resolve(ctx, entry)
	if err != nil {
		err = &StageError{Stage: StageResolve, Title: entry.Title, Err: err}
		log.WithError(err).Warn("entry skipped")
		c.fail(ctx, p, res, entry.Title, "", err, SkipResolution)
		return false
	}

	rec, err := c.deps.Details.FetchDetail(ctx, entry, url)
	if err != nil {
		var initErr *browser.SessionInitError
		if errors.As(err, &initErr) {
			c.sessionErr = initErr
			return true
		}
		log.WithError(err).Warn("entry skipped", "url", url)
		c.fail(ctx, p, res, entry.Title, url, err, SkipExtraction)
		return false
	}

	if listDate == nil {
		switch c.state.Cutoff.Check(rec.PublishedDate) {
		case VerdictBefore:
			log.Info("cutoff reached on detail date", "title", entry.Title, "date", models.FormatDate(rec.PublishedDate))
			return true
		case VerdictNewer:
			c.skip(ctx, p, res, SkipNewer)
			return false
		}
	}

	saved, err := c.save(ctx, p, key, rec, log)
	if err != nil {
		err = &StageError{Stage: StageSave, Title: entry.Title, URL: url, Err: err}
		log.WithError(err).Error("record not saved")
		c.fail(ctx, p, res, entry.Title, url, err, SkipSave)
		return false
	}

	c.state.Advance(key)
	res.Saved++
	c.deps.Observer.RecordSaved(ctx, saved)
	log.Info("record saved", "seq", saved.Seq, "title", saved.Title, "attachments", saved.Attachments, "failed_files", saved.FailedFiles)
	return false
}

// save creates the record folder, downloads every attachment into it and
// writes the manifest. Attachment failures are recorded and do not fail the
// record.
func (c *Controller) save(ctx context.Context, p Params, key string, rec *models.DetailRecord, log *logger.Logger) (models.SavedRecord, error) {
	draft, err := c.deps.Store.Create(p.Site, c.state.NextSeq, key)
	if err != nil {
		return models.SavedRecord{}, ensureSave(err)
	}

	results := make([]models.DownloadResult, 0, len(rec.Attachments))
	for _, ref := range rec.Attachments {
		r := models.DownloadResult{Ref: ref}
		if c.deps.Downloader == nil {
			r.Err = fmt.Errorf("%w: no downloader configured", ErrDownload)
		} else {
			r.SavedPath, r.Err = c.deps.Downloader.Download(ctx, ref, rec.CanonicalURL, draft.AttachmentsDir)
		}
		if r.Err != nil {
			if !errors.Is(r.Err, ErrDownload) {
				r.Err = fmt.Errorf("%w: %w", ErrDownload, r.Err)
			}
			log.WithError(r.Err).Warn("attachment failed", "title", rec.Title, "attachment", ref.DisplayName)
			c.recordFailure(ctx, p, rec.Title, ref.Source(), r.Err)
		} else {
			r.SavedPath = filepath.Base(r.SavedPath)
		}
		results = append(results, r)
	}

	saved, err := c.deps.Store.Finalize(draft, rec, results)
	if err != nil {
		if derr := c.deps.Store.Discard(draft); derr != nil {
			log.WithError(derr).Warn("failed to discard partial record", "dir", draft.Dir)
		}
		return models.SavedRecord{}, ensureSave(err)
	}
	return saved, nil
}

func ensureSave(err error) error {
	if errors.Is(err, ErrSave) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSave, err)
}

func (c *Controller) skip(ctx context.Context, p Params, res *Result, reason SkipReason) {
	res.Skipped++
	c.deps.Observer.EntrySkipped(ctx, p.Site, reason)
}

func (c *Controller) fail(ctx context.Context, p Params, res *Result, title, url string, err error, reason SkipReason) {
	res.Failed++
	c.recordFailure(ctx, p, title, url, err)
	c.skip(ctx, p, res, reason)
}

// recordFailure hands err to the failure recorder. Recorder errors are logged
// and dropped.
func (c *Controller) recordFailure(ctx context.Context, p Params, title, url string, err error) {
	if c.deps.Failures == nil {
		return
	}
	f := models.Failure{
		RunID:     p.RunID,
		Site:      p.Site,
		Title:     title,
		URL:       url,
		ErrorType: ErrorType(err),
		Message:   err.Error(),
		At:        time.Now().UTC(),
	}
	if rerr := c.deps.Failures.Record(context.WithoutCancel(ctx), f); rerr != nil {
		c.log.WithError(rerr).Warn("failure recorder error", "error_type", f.ErrorType)
	}
}
