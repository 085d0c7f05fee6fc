package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/retry"
)

// ListFetcher loads listing pages in the browser and parses their rows.
type ListFetcher struct {
	site    *site.Config
	session Session
	policy  retry.Policy
	log     *logger.Logger
}

// NewListFetcher creates a fetcher for cfg's listing pages.
func NewListFetcher(cfg *site.Config, session Session, policy retry.Policy, log *logger.Logger) *ListFetcher {
	if log == nil {
		log = logger.Default()
	}
	return &ListFetcher{
		site:    cfg,
		session: session,
		policy:  policy,
		log:     log.WithComponent("list-fetcher"),
	}
}

// FetchPage navigates to page n and returns its entries in display order.
// Navigation is retried per the policy; when every attempt fails the error
// wraps ErrPageFetch so the controller can count it as a page-level failure.
func (f *ListFetcher) FetchPage(ctx context.Context, page int) ([]models.ListEntry, error) {
	pageURL := f.site.PageURL(page)
	policy := f.policy.WithOnRetry(func(attempt int, err error) {
		f.log.WithError(err).Warn("list page load failed, retrying", "page", page, "attempt", attempt)
	})

	html, err := retry.Value(ctx, policy, func(ctx context.Context) (string, error) {
		if err := f.session.EnsureAlive(ctx); err != nil {
			return "", retry.Permanent(err)
		}
		wait := browser.WaitPolicy{
			Ready:   f.site.List.WaitFor,
			Settle:  f.site.Timeouts.Settle.Std(),
			Timeout: f.site.Timeouts.List.Std(),
		}
		if err := f.session.Navigate(ctx, pageURL, wait); err != nil {
			return "", err
		}
		return f.session.HTML(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: page %d: %w", ErrPageFetch, page, err)
	}

	entries, err := ParseListing(f.site, html, pageURL, page)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrPageFetch, page, err)
	}
	f.log.Debug("list page parsed", "page", page, "entries", len(entries))
	return entries, nil
}

// ParseListing extracts entries from a listing document. Rows without a title
// (headers, separators, "no posts" placeholders) and rows matching the site's
// skip selector are dropped.
func ParseListing(cfg *site.Config, html, pageURL string, page int) ([]models.ListEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}

	var entries []models.ListEntry
	doc.Find(cfg.List.Row).Each(func(i int, row *goquery.Selection) {
		if cfg.List.SkipRow != "" && (row.Is(cfg.List.SkipRow) || row.Find(cfg.List.SkipRow).Length() > 0) {
			return
		}

		link := row.Find(cfg.List.Link).First()
		title := ""
		if cfg.List.Title != "" {
			title = cleanInline(row.Find(cfg.List.Title).First().Text())
		}
		if title == "" {
			title = cleanInline(link.Text())
		}
		if title == "" {
			return
		}

		date := ""
		if cfg.List.Date != "" {
			date = cleanInline(row.Find(cfg.List.Date).First().Text())
		}

		entries = append(entries, models.ListEntry{
			Title:    title,
			ListDate: date,
			Page:     page,
			Row:      i,
			PageURL:  pageURL,
			Hints:    rowHints(cfg, row, link),
		})
	})
	return entries, nil
}

// rowHints collects every resolution hint a row offers, one per kind.
func rowHints(cfg *site.Config, row, link *goquery.Selection) []models.Hint {
	var hints []models.Hint

	for _, attr := range cfg.List.DataAttributes {
		v, ok := link.Attr(attr)
		if !ok || strings.TrimSpace(v) == "" {
			v, ok = row.Attr(attr)
		}
		if ok && strings.TrimSpace(v) != "" {
			hints = append(hints, models.Hint{Kind: models.HintDataAttribute, Value: strings.TrimSpace(v)})
			break
		}
	}

	href := strings.TrimSpace(link.AttrOr("href", ""))
	switch {
	case href == "" || href == "#" || strings.HasPrefix(href, "#"):
	case strings.HasPrefix(strings.ToLower(href), "javascript:"):
		if call, ok := models.ParseScriptCall(href); ok {
			hints = append(hints, models.Hint{Kind: models.HintScriptCall, Value: href, Call: &call})
		}
	case isAbsolute(href):
		hints = append(hints, models.Hint{Kind: models.HintAbsoluteURL, Value: href})
	default:
		hints = append(hints, models.Hint{Kind: models.HintRelativeURL, Value: href})
	}

	if _, ok := findHint(hints, models.HintScriptCall); !ok {
		for _, src := range []string{link.AttrOr("onclick", ""), row.AttrOr("onclick", "")} {
			if call, ok := models.ParseScriptCall(src); ok {
				hints = append(hints, models.Hint{Kind: models.HintScriptCall, Value: src, Call: &call})
				break
			}
		}
	}
	return hints
}

func findHint(hints []models.Hint, kind models.HintKind) (models.Hint, bool) {
	return models.ListEntry{Hints: hints}.Hint(kind)
}

func isAbsolute(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
