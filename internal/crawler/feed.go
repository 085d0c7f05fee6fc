package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/retry"
)

// FeedFetcher lists a board through its RSS or Atom feed. The feed is a single
// page: page 1 returns its items and every later page is empty.
type FeedFetcher struct {
	site   *site.Config
	parser *gofeed.Parser
	policy retry.Policy
	log    *logger.Logger
}

// NewFeedFetcher creates a feed-backed PageFetcher using client for requests.
func NewFeedFetcher(cfg *site.Config, client *http.Client, userAgent string, policy retry.Policy, log *logger.Logger) *FeedFetcher {
	if log == nil {
		log = logger.Default()
	}
	fp := gofeed.NewParser()
	fp.Client = client
	fp.UserAgent = userAgent
	return &FeedFetcher{
		site:   cfg,
		parser: fp,
		policy: policy,
		log:    log.WithComponent("feed-fetcher"),
	}
}

// FetchPage implements PageFetcher.
func (f *FeedFetcher) FetchPage(ctx context.Context, page int) ([]models.ListEntry, error) {
	if page > 1 {
		return nil, nil
	}
	feed, err := retry.Value(ctx, f.policy, func(ctx context.Context) (*gofeed.Feed, error) {
		return f.parser.ParseURLWithContext(f.site.FeedURL, ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: feed %s: %w", ErrPageFetch, f.site.FeedURL, err)
	}
	return FeedEntries(feed, f.site.FeedURL), nil
}

// FeedEntries converts feed items to list entries in feed order.
func FeedEntries(feed *gofeed.Feed, feedURL string) []models.ListEntry {
	entries := make([]models.ListEntry, 0, len(feed.Items))
	for i, item := range feed.Items {
		title := cleanInline(item.Title)
		if title == "" {
			continue
		}
		date := strings.TrimSpace(item.Published)
		if item.PublishedParsed != nil {
			date = item.PublishedParsed.Format(models.DateLayout)
		} else if date == "" && item.UpdatedParsed != nil {
			date = item.UpdatedParsed.Format(models.DateLayout)
		}

		var hints []models.Hint
		link := strings.TrimSpace(item.Link)
		switch {
		case link == "":
		case isAbsolute(link):
			hints = append(hints, models.Hint{Kind: models.HintAbsoluteURL, Value: link})
		default:
			hints = append(hints, models.Hint{Kind: models.HintRelativeURL, Value: link})
		}

		entries = append(entries, models.ListEntry{
			Title:    title,
			ListDate: date,
			Page:     1,
			Row:      i,
			PageURL:  feedURL,
			Hints:    hints,
		})
	}
	return entries
}
