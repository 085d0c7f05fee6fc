package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/temoto/robotstxt"

	"github.com/alqutdigital/board-harvester/internal/site"
)

// CheckRobots fetches the site's robots.txt and reports ErrRobotsDisallowed
// when the listing path is disallowed for userAgent. A missing or unreadable
// robots.txt allows everything.
func CheckRobots(ctx context.Context, client *http.Client, cfg *site.Config, userAgent string) error {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", base.Scheme, base.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil
	}

	listing := cfg.FeedURL
	if listing == "" {
		listing = cfg.PageURL(1)
	}
	u, err := url.Parse(listing)
	if err != nil {
		return nil
	}
	target := u.Path
	if target == "" {
		target = "/"
	}
	if !data.FindGroup(userAgent).Test(target) {
		return fmt.Errorf("%w: %s", ErrRobotsDisallowed, target)
	}
	return nil
}
