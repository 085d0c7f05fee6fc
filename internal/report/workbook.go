// Package report renders harvested records and run history for people:
// spreadsheet exports and terminal tables.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/alqutdigital/board-harvester/internal/storage"
)

// Sheet names in an exported workbook.
const (
	SheetRecords = "Records"
	SheetRuns    = "Runs"
)

var (
	recordHeaders = []string{"site", "seq", "title", "date", "url", "attachments", "failed", "folder"}
	runHeaders    = []string{"run_id", "site", "status", "saved", "duplicates", "skipped", "failed", "pages", "last_page", "started_at", "finished_at", "error"}
)

// SiteRecords groups the records of one site for export.
type SiteRecords struct {
	Site    string
	Records []storage.Record
}

// WriteWorkbook writes an xlsx workbook with one row per record and, when
// runs is not empty, a second sheet with the run history.
func WriteWorkbook(w io.Writer, sites []SiteRecords, runs []storage.RunRow) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetRecords); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := writeRow(f, SheetRecords, 1, toAny(recordHeaders)); err != nil {
		return err
	}

	row := 2
	for _, s := range sites {
		for _, r := range s.Records {
			failed := 0
			for _, a := range r.Manifest.Attachments {
				if a.Failed {
					failed++
				}
			}
			values := []any{
				s.Site,
				r.Seq,
				r.Manifest.Title,
				r.Manifest.Date,
				r.Manifest.URL,
				len(r.Manifest.Attachments),
				failed,
				r.Path,
			}
			if err := writeRow(f, SheetRecords, row, values); err != nil {
				return err
			}
			row++
		}
	}

	if len(runs) > 0 {
		if _, err := f.NewSheet(SheetRuns); err != nil {
			return fmt.Errorf("failed to create sheet: %w", err)
		}
		if err := writeRow(f, SheetRuns, 1, toAny(runHeaders)); err != nil {
			return err
		}
		for i, run := range runs {
			values := []any{
				run.ID,
				run.Site,
				run.Status,
				run.Saved,
				run.Duplicates,
				run.Skipped,
				run.Failed,
				run.Pages,
				run.LastPage,
				run.StartedAt.Format(time.RFC3339),
				run.FinishedAt.Format(time.RFC3339),
				run.Error.String,
			}
			if err := writeRow(f, SheetRuns, i+2, values); err != nil {
				return err
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
