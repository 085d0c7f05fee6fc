// Package storage persists crawl output: record folders on disk, the run and
// failure log in SQL, the run lock in Redis and an optional object-store mirror.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
)

// AttachmentsDir is the attachment subfolder of a record.
const AttachmentsDir = "attachments"

var recordDirPattern = regexp.MustCompile(`^(\d{3,})_(.+)$`)

// ErrRecordExists is returned by Create when the folder is already present.
var ErrRecordExists = errors.New("record folder already exists")

// FileStore keeps records as <root>/<site>/<NNN>_<title>/ folders. The folder
// tree is the system of record for sequence numbers and duplicate titles.
type FileStore struct {
	root string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the output directory.
func (s *FileStore) Root() string { return s.root }

// SiteDir returns the folder holding a site's records.
func (s *FileStore) SiteDir(site string) string {
	return filepath.Join(s.root, models.SanitizeName(site))
}

// RecordDir is one record folder found on disk.
type RecordDir struct {
	Seq      int
	Title    string
	Path     string
	Complete bool
}

// Dirs lists a site's record folders in sequence order. A missing site folder
// yields no records.
func (s *FileStore) Dirs(site string) ([]RecordDir, error) {
	dir := s.SiteDir(site)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []RecordDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := recordDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		p := filepath.Join(dir, e.Name())
		_, statErr := os.Stat(filepath.Join(p, ManifestFile))
		out = append(out, RecordDir{Seq: seq, Title: m[2], Path: p, Complete: statErr == nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Scan implements crawler.RecordStore. The next sequence is one past the
// highest ordinal on disk, so gaps are never reused. Folders without a
// manifest hold their ordinal but not their title, so an interrupted record is
// fetched again.
func (s *FileStore) Scan(site string) (crawler.ScanResult, error) {
	dirs, err := s.Dirs(site)
	if err != nil {
		return crawler.ScanResult{}, err
	}
	res := crawler.ScanResult{NextSeq: 1}
	for _, d := range dirs {
		if d.Seq >= res.NextSeq {
			res.NextSeq = d.Seq + 1
		}
		if d.Complete {
			res.Titles = append(res.Titles, d.Title)
		}
	}
	return res, nil
}

// Create implements crawler.RecordStore.
func (s *FileStore) Create(site string, seq int, title string) (*models.RecordDraft, error) {
	title = models.NormalizeTitle(title)
	if title == "" {
		return nil, errors.New("empty record title")
	}
	dir := filepath.Join(s.SiteDir(site), fmt.Sprintf("%03d_%s", seq, title))
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordExists, dir)
	}
	attachments := filepath.Join(dir, AttachmentsDir)
	if err := os.MkdirAll(attachments, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record folder: %w", err)
	}
	return &models.RecordDraft{Site: site, Seq: seq, Title: title, Dir: dir, AttachmentsDir: attachments}, nil
}

// Finalize implements crawler.RecordStore. The manifest is written to a
// temporary file and renamed, so a present content.md is always complete.
func (s *FileStore) Finalize(draft *models.RecordDraft, rec *models.DetailRecord, results []models.DownloadResult) (models.SavedRecord, error) {
	tmp, err := os.CreateTemp(draft.Dir, ".content-*.md")
	if err != nil {
		return models.SavedRecord{}, fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := RenderManifest(tmp, rec, results); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return models.SavedRecord{}, fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return models.SavedRecord{}, fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(draft.Dir, ManifestFile)); err != nil {
		os.Remove(tmp.Name())
		return models.SavedRecord{}, fmt.Errorf("failed to place manifest: %w", err)
	}

	saved := models.SavedRecord{
		Site:          draft.Site,
		Seq:           draft.Seq,
		Title:         draft.Title,
		Dir:           draft.Dir,
		CanonicalURL:  rec.CanonicalURL,
		PublishedDate: rec.PublishedDate,
		Attachments:   len(results),
	}
	for _, r := range results {
		if !r.OK() {
			saved.FailedFiles++
		}
	}
	return saved, nil
}

// Discard implements crawler.RecordStore.
func (s *FileStore) Discard(draft *models.RecordDraft) error {
	if draft == nil || draft.Dir == "" {
		return nil
	}
	return os.RemoveAll(draft.Dir)
}

// Record is a saved record read back from disk.
type Record struct {
	RecordDir
	Manifest *Manifest
}

// Records reads every complete record of a site.
func (s *FileStore) Records(site string) ([]Record, error) {
	dirs, err := s.Dirs(site)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(dirs))
	for _, d := range dirs {
		if !d.Complete {
			continue
		}
		m, err := s.readManifest(d.Path)
		if err != nil {
			return nil, fmt.Errorf("record %03d: %w", d.Seq, err)
		}
		out = append(out, Record{RecordDir: d, Manifest: m})
	}
	return out, nil
}

func (s *FileStore) readManifest(dir string) (*Manifest, error) {
	f, err := os.Open(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}
