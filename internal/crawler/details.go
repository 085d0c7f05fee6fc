package crawler

import (
	"context"
	"errors"
	"fmt"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/retry"
)

// DetailLoader navigates to detail pages and runs the extractor on them.
// Navigation and extraction are retried together: a fresh load often fixes a
// half-rendered page.
type DetailLoader struct {
	site      *site.Config
	session   Session
	extractor *Extractor
	policy    retry.Policy
	log       *logger.Logger
}

// NewDetailLoader creates a DetailFetcher backed by the browser.
func NewDetailLoader(cfg *site.Config, session Session, extractor *Extractor, policy retry.Policy, log *logger.Logger) *DetailLoader {
	if log == nil {
		log = logger.Default()
	}
	return &DetailLoader{
		site:      cfg,
		session:   session,
		extractor: extractor,
		policy:    policy,
		log:       log.WithComponent("detail-loader"),
	}
}

// FetchDetail implements DetailFetcher.
func (d *DetailLoader) FetchDetail(ctx context.Context, entry models.ListEntry, url string) (*models.DetailRecord, error) {
	policy := d.policy.WithOnRetry(func(attempt int, err error) {
		d.log.WithError(err).Warn("detail load failed, retrying", "title", entry.Title, "url", url, "attempt", attempt)
	})

	rec, err := retry.Value(ctx, policy, func(ctx context.Context) (*models.DetailRecord, error) {
		if err := d.session.EnsureAlive(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		wait := browser.WaitPolicy{
			Ready:   d.site.Detail.WaitFor,
			Settle:  d.site.Timeouts.Settle.Std(),
			Timeout: d.site.Timeouts.Detail.Std(),
		}
		if err := d.session.Navigate(ctx, url, wait); err != nil {
			return nil, err
		}
		html, err := d.session.HTML(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		final := url
		if loc, err := d.session.Location(ctx); err == nil && isAbsolute(loc) {
			final = loc
		}
		return d.extractor.Extract(html, final, entry)
	})
	if err != nil {
		if !errors.Is(err, ErrExtraction) {
			err = fmt.Errorf("%w: %w", ErrExtraction, err)
		}
		return nil, &StageError{Stage: StageDetail, Title: entry.Title, URL: url, Err: err}
	}
	return rec, nil
}
