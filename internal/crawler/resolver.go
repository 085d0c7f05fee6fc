package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// clickNeedleRunes is how much of a title is used to find its row again.
const clickNeedleRunes = 30

// Resolver turns list entries into detail URLs by trying the site's
// strategies in order. Click-through is the only strategy that touches the
// browser.
type Resolver struct {
	site    *site.Config
	session Session
	log     *logger.Logger
}

// NewResolver creates a resolver. session may be nil, which disables click-through.
func NewResolver(cfg *site.Config, session Session, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Default()
	}
	return &Resolver{site: cfg, session: session, log: log.WithComponent("resolver")}
}

// Resolve implements URLResolver.
func (r *Resolver) Resolve(ctx context.Context, entry models.ListEntry) (string, error) {
	for _, strategy := range r.site.Resolve.Order {
		u, ok := r.try(ctx, strategy, entry)
		if ok {
			r.log.Debug("resolved detail url", "title", entry.Title, "strategy", strategy, "url", u)
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrResolution, entry.Title)
}

func (r *Resolver) try(ctx context.Context, strategy string, entry models.ListEntry) (string, bool) {
	switch strategy {
	case site.StrategyDataAttribute:
		if h, ok := entry.Hint(models.HintDataAttribute); ok {
			return r.rebase(entry, h.Value)
		}
	case site.StrategyAbsoluteURL:
		if h, ok := entry.Hint(models.HintAbsoluteURL); ok && isAbsolute(h.Value) {
			return h.Value, true
		}
	case site.StrategyRelativeURL:
		if h, ok := entry.Hint(models.HintRelativeURL); ok {
			return r.rebase(entry, h.Value)
		}
	case site.StrategyScriptCall:
		if h, ok := entry.Hint(models.HintScriptCall); ok && h.Call != nil {
			tpl, ok := r.site.CallFor(h.Call.Name, len(h.Call.Args))
			if !ok {
				return "", false
			}
			return r.rebase(entry, tpl.Expand(h.Call.Args))
		}
	case site.StrategyClickThrough:
		if r.site.Resolve.ClickThrough && r.session != nil {
			u, err := r.clickThrough(ctx, entry)
			if err != nil {
				r.log.WithError(err).Debug("click-through failed", "title", entry.Title)
				return "", false
			}
			return u, true
		}
	}
	return "", false
}

// rebase resolves root-relative references against the configured base and
// page-relative ones against the listing page they came from.
func (r *Resolver) rebase(entry models.ListEntry, ref string) (string, bool) {
	base := r.site.BaseURL
	if !strings.HasPrefix(ref, "/") && entry.PageURL != "" && isAbsolute(entry.PageURL) {
		base = entry.PageURL
	}
	u, err := site.Rebase(base, ref)
	if err != nil {
		return "", false
	}
	return u, true
}

// clickThrough reloads the entry's listing page if needed, clicks the row
// whose text contains the start of the title and captures where it leads.
func (r *Resolver) clickThrough(ctx context.Context, entry models.ListEntry) (string, error) {
	loc, err := r.session.Location(ctx)
	if err != nil || loc != entry.PageURL {
		if err := r.session.EnsureAlive(ctx); err != nil {
			return "", err
		}
		wait := browser.WaitPolicy{
			Ready:   r.site.List.WaitFor,
			Settle:  r.site.Timeouts.Settle.Std(),
			Timeout: r.site.Timeouts.List.Std(),
		}
		if err := r.session.Navigate(ctx, entry.PageURL, wait); err != nil {
			return "", err
		}
	}

	script, err := clickScript(r.site.List.Row, r.site.List.Link, needle(entry.Title))
	if err != nil {
		return "", err
	}
	return r.session.ClickAndCapture(ctx, script, r.site.Timeouts.Click.Std())
}

func needle(title string) string {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) <= clickNeedleRunes {
		return title
	}
	return string([]rune(title)[:clickNeedleRunes])
}

func clickScript(rowSel, linkSel, needle string) (string, error) {
	args, err := json.Marshal([]string{rowSel, linkSel, needle})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(function(rowSel, linkSel, needle) {
	const norm = s => (s || '').replace(/\s+/g, ' ').trim();
	for (const row of document.querySelectorAll(rowSel)) {
		if (!norm(row.textContent).includes(needle)) continue;
		const el = row.querySelector(linkSel) || row;
		el.click();
		return true;
	}
	return false;
}).apply(null, %s)`, args), nil
}
