package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// RunLog stores run summaries and failures. It is the crawler's
// FailureRecorder and observes RunFinished.
type RunLog struct {
	crawler.NopObserver
	db  *sqlx.DB
	log *logger.Logger
}

// NewRunLog creates a run log over db.
func NewRunLog(db *sqlx.DB, log *logger.Logger) *RunLog {
	if log == nil {
		log = logger.Default()
	}
	return &RunLog{db: db, log: log.WithComponent("run-log")}
}

// Migrate creates the run log tables.
func (r *RunLog) Migrate(ctx context.Context) error {
	for _, stmt := range schema(r.db.DriverName()) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate run log: %w", err)
		}
	}
	return nil
}

// Record implements crawler.FailureRecorder.
func (r *RunLog) Record(ctx context.Context, f models.Failure) error {
	query := r.db.Rebind(`
		INSERT INTO crawl_failures (run_id, site, title, url, error_type, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		f.RunID, f.Site, nullString(f.Title), nullString(f.URL), f.ErrorType, f.Message, f.At.UTC())
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// RunFinished stores the run summary. Errors are logged.
func (r *RunLog) RunFinished(ctx context.Context, res crawler.Result) {
	if err := r.SaveRun(ctx, res); err != nil {
		r.log.WithError(err).Error("failed to store run summary", "run_id", res.RunID)
	}
}

// SaveRun inserts the summary row of a finished run.
func (r *RunLog) SaveRun(ctx context.Context, res crawler.Result) error {
	row := RunRow{
		ID:         res.RunID,
		Site:       res.Site,
		Status:     string(res.Status),
		Saved:      res.Saved,
		Duplicates: res.Duplicates,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
		Pages:      res.Pages,
		LastPage:   res.LastPage,
		StartedAt:  res.StartedAt.UTC(),
		FinishedAt: res.FinishedAt.UTC(),
	}
	if res.Err != nil {
		row.Error = nullString(res.Err.Error())
	}
	query := `
		INSERT INTO crawl_runs (id, site, status, saved, duplicates, skipped, failed, pages, last_page, error, started_at, finished_at)
		VALUES (:id, :site, :status, :saved, :duplicates, :skipped, :failed, :pages, :last_page, :error, :started_at, :finished_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest runs, newest first. An empty site matches all.
func (r *RunLog) RecentRuns(ctx context.Context, site string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRow
	var err error
	if site == "" {
		err = r.db.SelectContext(ctx, &runs, r.db.Rebind(`
			SELECT id, site, status, saved, duplicates, skipped, failed, pages, last_page, error, started_at, finished_at
			FROM crawl_runs ORDER BY finished_at DESC LIMIT ?`), limit)
	} else {
		err = r.db.SelectContext(ctx, &runs, r.db.Rebind(`
			SELECT id, site, status, saved, duplicates, skipped, failed, pages, last_page, error, started_at, finished_at
			FROM crawl_runs WHERE site = ? ORDER BY finished_at DESC LIMIT ?`), site, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// LastRun returns the latest run of site, or nil when there is none.
func (r *RunLog) LastRun(ctx context.Context, site string) (*RunRow, error) {
	runs, err := r.RecentRuns(ctx, site, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// Failures returns the failures of a run in the order they happened.
func (r *RunLog) Failures(ctx context.Context, runID string) ([]FailureRow, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	var rows []FailureRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, run_id, site, title, url, error_type, message, occurred_at
		FROM crawl_failures WHERE run_id = ? ORDER BY id`), runID)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	return rows, nil
}
