package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

// ListRuns returns a handler listing recent runs, newest first.
// GET /api/v1/runs?site=&limit=
func ListRuns(runs RunHistory, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			RespondServiceUnavailable(w, "Run log not configured")
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxLimit {
				RespondBadRequest(w, "Invalid limit")
				return
			}
			limit = n
		}

		rows, err := runs.RecentRuns(r.Context(), r.URL.Query().Get("site"), limit)
		if err != nil {
			log.WithContext(r.Context()).WithError(err).Error("failed to list runs")
			RespondInternalError(w, "Failed to list runs")
			return
		}
		if rows == nil {
			rows = []storage.RunRow{}
		}
		RespondJSON(w, http.StatusOK, rows)
	}
}

// GetRunFailures returns a handler listing the failures of one run.
// GET /api/v1/runs/{id}/failures
func GetRunFailures(runs RunHistory, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			RespondServiceUnavailable(w, "Run log not configured")
			return
		}
		rows, err := runs.Failures(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			log.WithContext(r.Context()).WithError(err).Error("failed to list failures")
			RespondInternalError(w, "Failed to list failures")
			return
		}
		if rows == nil {
			rows = []storage.FailureRow{}
		}
		RespondJSON(w, http.StatusOK, rows)
	}
}
