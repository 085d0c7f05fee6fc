package handlers

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// RecordSummary is a record as listed by the API.
type RecordSummary struct {
	Seq         int    `json:"seq"`
	Title       string `json:"title"`
	Folder      string `json:"folder"`
	URL         string `json:"url"`
	Date        string `json:"date,omitempty"`
	Attachments int    `json:"attachments"`
	FailedFiles int    `json:"failed_files"`
}

// RecordDetail is a record with its body and attachment list.
type RecordDetail struct {
	RecordSummary
	Body  string                       `json:"body"`
	Files []storage.ManifestAttachment `json:"files"`
}

func toSummary(rec storage.Record) RecordSummary {
	s := RecordSummary{
		Seq:    rec.Seq,
		Title:  rec.Manifest.Title,
		Folder: filepath.Base(rec.Path),
		URL:    rec.Manifest.URL,
		Date:   rec.Manifest.Date,
	}
	for _, a := range rec.Manifest.Attachments {
		s.Attachments++
		if a.Failed {
			s.FailedFiles++
		}
	}
	return s
}

// parsePage reads limit and offset query parameters.
func parsePage(r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, false
		}
		limit = min(n, maxLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// ListRecords returns a handler listing a board's saved records, newest
// sequence first.
// GET /api/v1/sites/{code}/records?limit=&offset=
func ListRecords(catalog SiteCatalog, records RecordReader, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if _, err := catalog.Get(code); err != nil {
			RespondNotFound(w, "Site not found")
			return
		}
		limit, offset, ok := parsePage(r)
		if !ok {
			RespondBadRequest(w, "Invalid limit or offset")
			return
		}

		recs, err := records.Records(code)
		if err != nil {
			log.WithContext(r.Context()).WithError(err).Error("failed to read records", "site", code)
			RespondInternalError(w, "Failed to read records")
			return
		}

		total := len(recs)
		out := make([]RecordSummary, 0, limit)
		for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
			out = append(out, toSummary(recs[i]))
		}
		RespondJSON(w, http.StatusOK, PaginatedResponse{
			Data: out,
			Pagination: Pagination{
				Total:   total,
				Limit:   limit,
				Offset:  offset,
				HasMore: offset+len(out) < total,
			},
		})
	}
}

func findRecord(w http.ResponseWriter, r *http.Request, catalog SiteCatalog, records RecordReader, log *logger.Logger) (storage.Record, bool) {
	code := chi.URLParam(r, "code")
	if _, err := catalog.Get(code); err != nil {
		RespondNotFound(w, "Site not found")
		return storage.Record{}, false
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil {
		RespondBadRequest(w, "Invalid record sequence")
		return storage.Record{}, false
	}
	recs, err := records.Records(code)
	if err != nil {
		log.WithContext(r.Context()).WithError(err).Error("failed to read records", "site", code)
		RespondInternalError(w, "Failed to read records")
		return storage.Record{}, false
	}
	for _, rec := range recs {
		if rec.Seq == seq {
			return rec, true
		}
	}
	RespondNotFound(w, "Record not found")
	return storage.Record{}, false
}

// GetRecord returns a handler for one record.
// GET /api/v1/sites/{code}/records/{seq}
func GetRecord(catalog SiteCatalog, records RecordReader, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := findRecord(w, r, catalog, records, log)
		if !ok {
			return
		}
		files := rec.Manifest.Attachments
		if files == nil {
			files = []storage.ManifestAttachment{}
		}
		RespondJSON(w, http.StatusOK, RecordDetail{
			RecordSummary: toSummary(rec),
			Body:          rec.Manifest.Body,
			Files:         files,
		})
	}
}

// DownloadAttachment streams a saved attachment.
// GET /api/v1/sites/{code}/records/{seq}/attachments/{name}
func DownloadAttachment(catalog SiteCatalog, records RecordReader, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := findRecord(w, r, catalog, records, log)
		if !ok {
			return
		}
		name := chi.URLParam(r, "name")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			RespondBadRequest(w, "Invalid attachment name")
			return
		}

		f, err := os.Open(filepath.Join(rec.Path, storage.AttachmentsDir, name))
		if err != nil {
			RespondNotFound(w, "Attachment not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			RespondNotFound(w, "Attachment not found")
			return
		}

		w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}
