package main

import (
	"context"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
)

// progressObserver drives a spinner: the description follows the current
// page and the count ticks once per saved record.
type progressObserver struct {
	crawler.NopObserver
	bar *progressbar.ProgressBar
}

func newProgressObserver(w io.Writer, site string) *progressObserver {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(site),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	return &progressObserver{bar: bar}
}

func (p *progressObserver) PageFetched(_ context.Context, site string, page, entries int) {
	p.bar.Describe(fmt.Sprintf("%s page %d (%d entries)", site, page, entries))
}

func (p *progressObserver) RecordSaved(_ context.Context, _ models.SavedRecord) {
	_ = p.bar.Add(1)
}

func (p *progressObserver) RunFinished(_ context.Context, _ crawler.Result) {
	_ = p.bar.Finish()
}
