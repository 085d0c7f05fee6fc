package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/board-harvester/internal/models"
)

func mkRecord(t *testing.T, root, site, name string, complete bool) {
	t.Helper()
	dir := filepath.Join(root, site, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, AttachmentsDir), 0o755))
	if complete {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("# "+name+"\n"), 0o644))
	}
}

func TestFileStore_ScanNeverReusesGaps(t *testing.T) {
	root := t.TempDir()
	mkRecord(t, root, "demo", "001_첫 공고", true)
	mkRecord(t, root, "demo", "003_세 번째", true)
	mkRecord(t, root, "demo", "005_다섯 번째", true)
	mkRecord(t, root, "demo", "notes", true)
	require.NoError(t, os.WriteFile(filepath.Join(root, "demo", "006_file.txt"), nil, 0o644))

	res, err := NewFileStore(root).Scan("demo")

	require.NoError(t, err)
	assert.Equal(t, 6, res.NextSeq)
	assert.ElementsMatch(t, []string{"첫 공고", "세 번째", "다섯 번째"}, res.Titles)
}

func TestFileStore_ScanIncompleteFolderKeepsOrdinalOnly(t *testing.T) {
	root := t.TempDir()
	mkRecord(t, root, "demo", "001_done", true)
	mkRecord(t, root, "demo", "002_interrupted", false)

	res, err := NewFileStore(root).Scan("demo")

	require.NoError(t, err)
	assert.Equal(t, 3, res.NextSeq)
	assert.Equal(t, []string{"done"}, res.Titles)
}

func TestFileStore_ScanEmptySite(t *testing.T) {
	res, err := NewFileStore(t.TempDir()).Scan("nothing-yet")
	require.NoError(t, err)
	assert.Equal(t, 1, res.NextSeq)
	assert.Empty(t, res.Titles)
}

func TestFileStore_CreateFinalizeRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root)

	draft, err := s.Create("demo", 7, `2024년 "입찰" 공고: 1/2차`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "demo", "007_2024년 _입찰_ 공고_ 1_2차"), draft.Dir)
	assert.DirExists(t, draft.AttachmentsDir)

	require.NoError(t, os.WriteFile(filepath.Join(draft.AttachmentsDir, "spec.pdf"), []byte("pdf"), 0o644))
	rec := &models.DetailRecord{
		Title:         `2024년 "입찰" 공고: 1/2차`,
		CanonicalURL:  "https://board.example.org/view?id=7",
		PublishedDate: models.ParseDate("2024-03-01"),
		BodyText:      "첫 줄\n\n둘째 줄",
	}
	results := []models.DownloadResult{
		{Ref: models.AttachmentRef{DisplayName: "spec.pdf"}, SavedPath: "spec.pdf"},
		{Ref: models.AttachmentRef{DisplayName: "신청서.hwp"}, Err: errors.New("boom")},
	}

	saved, err := s.Finalize(draft, rec, results)
	require.NoError(t, err)
	assert.Equal(t, 7, saved.Seq)
	assert.Equal(t, 2, saved.Attachments)
	assert.Equal(t, 1, saved.FailedFiles)

	records, err := s.Records("demo")
	require.NoError(t, err)
	require.Len(t, records, 1)
	m := records[0].Manifest
	assert.Equal(t, rec.Title, m.Title)
	assert.Equal(t, rec.CanonicalURL, m.URL)
	assert.Equal(t, "2024-03-01", m.Date)
	assert.Equal(t, "첫 줄\n\n둘째 줄", m.Body)
	assert.Equal(t, []ManifestAttachment{
		{Name: "spec.pdf", Path: "attachments/spec.pdf"},
		{Name: "신청서.hwp", Failed: true},
	}, m.Attachments)

	res, err := s.Scan("demo")
	require.NoError(t, err)
	assert.Equal(t, 8, res.NextSeq)
}

func TestFileStore_CreateRefusesExistingFolder(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Create("demo", 1, "same")
	require.NoError(t, err)

	_, err = s.Create("demo", 1, "same")
	assert.ErrorIs(t, err, ErrRecordExists)
}

func TestFileStore_Discard(t *testing.T) {
	s := NewFileStore(t.TempDir())
	draft, err := s.Create("demo", 1, "gone")
	require.NoError(t, err)

	require.NoError(t, s.Discard(draft))
	assert.NoDirExists(t, draft.Dir)
	assert.NoError(t, s.Discard(nil))
}

func TestRenderManifest_Layout(t *testing.T) {
	var b strings.Builder
	err := RenderManifest(&b, &models.DetailRecord{
		Title:        "제목",
		CanonicalURL: "https://x.example.org/1",
		BodyText:     "본문",
	}, []models.DownloadResult{{Ref: models.AttachmentRef{DisplayName: "a.pdf"}, SavedPath: "/tmp/rec/attachments/a.pdf"}})
	require.NoError(t, err)

	want := "# 제목\n\n" +
		"**원본 URL**: https://x.example.org/1\n\n" +
		"---\n\n" +
		"본문\n\n" +
		"---\n\n" +
		"**첨부파일**\n" +
		"1. a.pdf: attachments/a.pdf\n"
	assert.Equal(t, want, b.String())
}

func TestParseManifest_BodyWithRules(t *testing.T) {
	var b strings.Builder
	require.NoError(t, RenderManifest(&b, &models.DetailRecord{
		Title:    "t",
		BodyText: "위\n---\n아래",
	}, nil))

	m, err := ParseManifest(strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, "위\n---\n아래", m.Body)
	assert.Empty(t, m.Attachments)
	assert.Empty(t, m.Date)
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("no title"))
	assert.Error(t, err)
}
