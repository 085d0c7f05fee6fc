package report

import (
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
)

// SiteStatus is one line of the sites and status listings.
type SiteStatus struct {
	Code     string
	Name     string
	Mode     string
	Records  int
	NextSeq  int
	Newest   string
	LastRun  *storage.RunRow
	LockedBy string
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

// RenderSites prints the configured sites with their local record counts.
func RenderSites(w io.Writer, sites []SiteStatus) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Code", "Name", "Mode", "Records", "Next", "Newest", "Last Run", "Locked By"})
	for _, s := range sites {
		last := "never"
		if s.LastRun != nil {
			last = s.LastRun.Status + " " + s.LastRun.FinishedAt.Format(time.DateTime)
		}
		t.AppendRow(table.Row{s.Code, s.Name, s.Mode, s.Records, s.NextSeq, s.Newest, last, s.LockedBy})
	}
	t.Render()
}

// RenderSiteConfigs prints the configured boards.
func RenderSiteConfigs(w io.Writer, sites []*site.Config) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Code", "Name", "Mode", "Listing", "Robots"})
	for _, c := range sites {
		listing := c.ListURL
		if listing == "" {
			listing = c.FeedURL
		}
		t.AppendRow(table.Row{c.Code, c.Name, Mode(c), listing, c.RespectRobots})
	}
	t.Render()
}

// Mode names how a board is listed: through its feed or by paging in the browser.
func Mode(c *site.Config) string {
	if c.ListURL == "" && c.FeedURL != "" {
		return "feed"
	}
	return "browser"
}

// RenderRuns prints run history, newest first as given.
func RenderRuns(w io.Writer, runs []storage.RunRow) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Run", "Site", "Status", "Saved", "Dup", "Skipped", "Failed", "Pages", "Finished"})
	for _, r := range runs {
		t.AppendRow(table.Row{shortID(r.ID), r.Site, r.Status, r.Saved, r.Duplicates, r.Skipped, r.Failed, r.Pages, r.FinishedAt.Format(time.DateTime)})
	}
	t.Render()
}

// RenderFailures prints the failures recorded for a run.
func RenderFailures(w io.Writer, failures []storage.FailureRow) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Time", "Type", "Title", "URL", "Message"})
	for _, f := range failures {
		t.AppendRow(table.Row{f.OccurredAt.Format(time.TimeOnly), f.ErrorType, f.Title.String, f.URL.String, f.Message})
	}
	t.Render()
}

// RenderResult prints the summary of a run that just finished.
func RenderResult(w io.Writer, res crawler.Result) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Site", "Status", "Saved", "Duplicates", "Skipped", "Failed", "Pages", "Last Page", "Duration"})
	t.AppendRow(table.Row{res.Site, res.Status, res.Saved, res.Duplicates, res.Skipped, res.Failed, res.Pages, res.LastPage, res.Duration().Round(time.Second)})
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
