// Package crawler implements the incremental board crawl: list paging, detail
// URL resolution, content extraction, attachment download and the controller
// that ties them together under the cutoff and duplicate rules.
package crawler

import (
	"errors"
	"fmt"

	"github.com/alqutdigital/board-harvester/internal/browser"
)

var (
	ErrPageFetch        = errors.New("list page fetch failed")
	ErrResolution       = errors.New("detail url could not be resolved")
	ErrExtraction       = errors.New("content extraction failed")
	ErrDownload         = errors.New("attachment download failed")
	ErrSave             = errors.New("record save failed")
	ErrFatalAbort       = errors.New("too many consecutive page failures")
	ErrRobotsDisallowed = errors.New("listing disallowed by robots.txt")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StagePage     Stage = "page"
	StageResolve  Stage = "resolve"
	StageDetail   Stage = "detail"
	StageDownload Stage = "download"
	StageSave     Stage = "save"
)

// StageError attaches entry context to a pipeline error.
type StageError struct {
	Stage Stage
	Title string
	URL   string
	Err   error
}

func (e *StageError) Error() string {
	if e.Title == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Stage, e.Title, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorType classifies err for the failure recorder.
func ErrorType(err error) string {
	var initErr *browser.SessionInitError
	var navErr *browser.NavigationError
	switch {
	case errors.As(err, &initErr):
		return "SessionInitError"
	case errors.Is(err, ErrFatalAbort):
		return "FatalAbort"
	case errors.Is(err, ErrResolution):
		return "ResolutionFailure"
	case errors.Is(err, ErrDownload):
		return "DownloadFailure"
	case errors.Is(err, ErrSave):
		return "SaveFailure"
	case errors.Is(err, ErrExtraction):
		return "ExtractionFailure"
	case errors.As(err, &navErr):
		return "NavigationError"
	case errors.Is(err, ErrPageFetch):
		return "PageFetchFailure"
	default:
		return "UnknownError"
	}
}
