package storage

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/alqutdigital/board-harvester/internal/models"
)

// ManifestFile is the name of the per-record manifest.
const ManifestFile = "content.md"

const (
	labelURL         = "**원본 URL**: "
	labelDate        = "**작성일**: "
	labelAttachments = "**첨부파일**"
	failedMarker     = "(다운로드 실패)"
	sectionRule      = "---"
)

// Manifest is the parsed form of a content.md file.
type Manifest struct {
	Title       string
	URL         string
	Date        string
	Body        string
	Attachments []ManifestAttachment
}

// ManifestAttachment is one line of the attachment list. Path is relative to
// the record folder and empty when the download failed.
type ManifestAttachment struct {
	Name   string
	Path   string
	Failed bool
}

// RenderManifest writes the manifest of rec. Every attachment is listed in
// result order; failed ones carry a marker instead of a path.
func RenderManifest(w io.Writer, rec *models.DetailRecord, results []models.DownloadResult) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# %s\n\n", oneLine(rec.Title))
	fmt.Fprintf(bw, "%s%s\n", labelURL, rec.CanonicalURL)
	if rec.PublishedDate != nil {
		fmt.Fprintf(bw, "%s%s\n", labelDate, models.FormatDate(rec.PublishedDate))
	}
	fmt.Fprintf(bw, "\n%s\n\n", sectionRule)
	if body := strings.TrimSpace(rec.BodyText); body != "" {
		fmt.Fprintf(bw, "%s\n", body)
	}
	if len(results) > 0 {
		fmt.Fprintf(bw, "\n%s\n\n%s\n", sectionRule, labelAttachments)
		for i, r := range results {
			if r.OK() {
				name := path.Base(r.SavedPath)
				fmt.Fprintf(bw, "%d. %s: %s\n", i+1, name, path.Join(AttachmentsDir, name))
				continue
			}
			fmt.Fprintf(bw, "%d. %s: %s\n", i+1, oneLine(r.Ref.DisplayName), failedMarker)
		}
	}
	return bw.Flush()
}

// ParseManifest reads a manifest written by RenderManifest.
func ParseManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "# ") {
		return nil, fmt.Errorf("manifest has no title line")
	}

	m := &Manifest{}
	head, rest, _ := strings.Cut(text, "\n"+sectionRule+"\n")
	for i, line := range strings.Split(head, "\n") {
		switch {
		case i == 0:
			m.Title = strings.TrimPrefix(line, "# ")
		case strings.HasPrefix(line, labelURL):
			m.URL = strings.TrimPrefix(line, labelURL)
		case strings.HasPrefix(line, labelDate):
			m.Date = strings.TrimPrefix(line, labelDate)
		}
	}

	tail := "\n" + sectionRule + "\n\n" + labelAttachments + "\n"
	if i := strings.LastIndex(rest, tail); i >= 0 {
		m.Attachments = parseAttachments(rest[i+len(tail):])
		rest = rest[:i]
	}
	m.Body = strings.TrimSpace(rest)
	return m, nil
}

func parseAttachments(section string) []ManifestAttachment {
	var out []ManifestAttachment
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		num, item, ok := strings.Cut(line, ". ")
		if !ok {
			continue
		}
		if _, err := strconv.Atoi(num); err != nil {
			continue
		}
		i := strings.LastIndex(item, ": ")
		if i < 0 {
			continue
		}
		a := ManifestAttachment{Name: item[:i]}
		if loc := item[i+2:]; loc == failedMarker {
			a.Failed = true
		} else {
			a.Path = loc
		}
		out = append(out, a)
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
