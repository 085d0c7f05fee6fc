package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// SiteSummary is one configured board with its latest run.
type SiteSummary struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	BaseURL  string          `json:"base_url"`
	Feed     bool            `json:"feed"`
	LastRun  *storage.RunRow `json:"last_run,omitempty"`
	LockedBy string          `json:"locked_by,omitempty"`
	Config   *site.Config    `json:"-"`
}

func summarize(r *http.Request, c *site.Config, runs RunHistory, locks LockInspector, log *logger.Logger) SiteSummary {
	s := SiteSummary{Code: c.Code, Name: c.Name, BaseURL: c.BaseURL, Feed: c.FeedURL != "", Config: c}
	if runs != nil {
		last, err := runs.LastRun(r.Context(), c.Code)
		if err != nil {
			log.WithError(err).Warn("failed to read last run", "site", c.Code)
		}
		s.LastRun = last
	}
	if locks != nil {
		holder, err := locks.Holder(r.Context(), c.Code)
		if err != nil {
			log.WithError(err).Warn("failed to read site lock", "site", c.Code)
		}
		s.LockedBy = holder
	}
	return s
}

// ListSites returns a handler listing configured boards.
// GET /api/v1/sites
func ListSites(catalog SiteCatalog, runs RunHistory, locks LockInspector, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sites := catalog.List()
		out := make([]SiteSummary, 0, len(sites))
		for _, c := range sites {
			out = append(out, summarize(r, c, runs, locks, log.WithContext(r.Context())))
		}
		RespondJSON(w, http.StatusOK, out)
	}
}

// GetSite returns a handler for one board.
// GET /api/v1/sites/{code}
func GetSite(catalog SiteCatalog, runs RunHistory, locks LockInspector, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := catalog.Get(chi.URLParam(r, "code"))
		if err != nil {
			RespondNotFound(w, "Site not found")
			return
		}
		RespondJSON(w, http.StatusOK, summarize(r, c, runs, locks, log.WithContext(r.Context())))
	}
}
