package crawler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"

	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/models"
)

func newTestDownloader(t *testing.T, sess Session) *Downloader {
	t.Helper()
	return NewDownloader(testSite(t), sess, DownloaderConfig{
		Client:    http.DefaultClient,
		UserAgent: "board-harvester-test",
	}, nil)
}

func TestDownloader_DirectLinkUsesDispositionName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "board-harvester-test", r.Header.Get("User-Agent"))
		assert.Equal(t, detailURL, r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''%EA%B3%B5%EA%B3%A0%EB%AC%B8.pdf`)
		io.WriteString(w, "%PDF-fake")
	}))
	defer srv.Close()
	dir := t.TempDir()

	d := newTestDownloader(t, nil)
	saved, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName: "다운로드",
		Kind:        models.DirectLink,
		URL:         srv.URL + "/FileDown.do?id=1",
	}, detailURL, dir)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "공고문.pdf"), saved)
	data, err := os.ReadFile(saved)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-fake", string(data))
}

func TestDownloader_AuthoritativeNameBeatsHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="garbled.bin"`)
		io.WriteString(w, "x")
	}))
	defer srv.Close()
	dir := t.TempDir()

	d := newTestDownloader(t, nil)
	saved, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName:       "신청서.hwp",
		NameAuthoritative: true,
		Kind:              models.DirectLink,
		URL:               srv.URL + "/f",
	}, detailURL, dir)

	require.NoError(t, err)
	assert.Equal(t, "신청서.hwp", filepath.Base(saved))
}

func TestDownloader_FormPostSendsFields(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Disposition", `attachment; filename="form.zip"`)
		io.WriteString(w, "zip")
	}))
	defer srv.Close()
	dir := t.TempDir()

	d := newTestDownloader(t, nil)
	saved, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName: "첨부",
		Kind:        models.FormPost,
		Form: &models.FormSpec{
			Action: srv.URL + "/cmm/fms/FileDown.do",
			Method: http.MethodPost,
			Fields: []models.FormField{{Name: "atchFileId", Value: "FILE_1"}, {Name: "fileSn", Value: "0"}},
		},
	}, detailURL, dir)

	require.NoError(t, err)
	assert.Equal(t, "FILE_1", got.Get("atchFileId"))
	assert.Equal(t, "0", got.Get("fileSn"))
	assert.Equal(t, "form.zip", filepath.Base(saved))
}

func TestDownloader_FormGetUsesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "7", r.URL.Query().Get("fileNo"))
		assert.Equal(t, "a", r.URL.Query().Get("keep"))
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	d := newTestDownloader(t, nil)
	_, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName: "doc.txt",
		Kind:        models.FormPost,
		Form:        &models.FormSpec{Action: srv.URL + "/get?keep=a", Method: http.MethodGet, Fields: []models.FormField{{Name: "fileNo", Value: "7"}}},
	}, "", t.TempDir())
	require.NoError(t, err)
}

func TestDownloader_HTMLResponseIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, "<html>login required</html>")
	}))
	defer srv.Close()
	dir := t.TempDir()

	d := newTestDownloader(t, nil)
	_, err := d.Download(context.Background(), models.AttachmentRef{DisplayName: "a.pdf", Kind: models.DirectLink, URL: srv.URL}, "", dir)

	assert.ErrorIs(t, err, ErrDownload)
	assert.Equal(t, "DownloadFailure", ErrorType(err))
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "no partial file left behind")
}

func TestDownloader_NotFoundIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d := newTestDownloader(t, nil)
	_, err := d.Download(context.Background(), models.AttachmentRef{DisplayName: "a.pdf", Kind: models.DirectLink, URL: srv.URL}, "", t.TempDir())
	assert.ErrorIs(t, err, ErrDownload)
}

func TestDownloader_NameCollisionGetsSuffix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "x")
	}))
	defer srv.Close()
	dir := t.TempDir()
	ref := models.AttachmentRef{DisplayName: "same.pdf", NameAuthoritative: true, Kind: models.DirectLink, URL: srv.URL}

	d := newTestDownloader(t, nil)
	first, err := d.Download(context.Background(), ref, "", dir)
	require.NoError(t, err)
	second, err := d.Download(context.Background(), ref, "", dir)
	require.NoError(t, err)

	assert.Equal(t, "same.pdf", filepath.Base(first))
	assert.Equal(t, "same (1).pdf", filepath.Base(second))
}

func TestDownloader_ScriptedDownload(t *testing.T) {
	dir := t.TempDir()
	sess := NewMockSession()
	sess.download = func(script, dir string) (*browser.Download, error) {
		p := filepath.Join(dir, "5f0c-guid")
		if err := os.WriteFile(p, []byte("hwp"), 0o644); err != nil {
			return nil, err
		}
		return &browser.Download{Path: p, SuggestedName: "server.hwp", URL: "https://board.example.org/down.do"}, nil
	}

	d := newTestDownloader(t, sess)
	saved, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName: "다운로드",
		Kind:        models.ScriptedDownload,
		Call:        &models.ScriptCall{Name: "fn_download", Args: []string{"77"}},
	}, detailURL, dir)

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "server.hwp"), saved)
	_, err = os.Stat(filepath.Join(dir, "5f0c-guid"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloader_ScriptThatThrowsIsDownloadFailure(t *testing.T) {
	sess := NewMockSession()
	sess.download = func(script, dir string) (*browser.Download, error) {
		return nil, errors.New("exception: fn_download is not defined")
	}

	d := newTestDownloader(t, sess)
	_, err := d.Download(context.Background(), models.AttachmentRef{
		DisplayName: "a.pdf",
		Kind:        models.ScriptedDownload,
		Call:        &models.ScriptCall{Name: "fn_download", Args: []string{"1"}},
	}, detailURL, t.TempDir())

	assert.ErrorIs(t, err, ErrDownload)
	assert.Equal(t, "DownloadFailure", ErrorType(err))
}

func TestDispositionFilename(t *testing.T) {
	eucKR, err := korean.EUCKR.NewEncoder().String("공고문.hwp")
	require.NoError(t, err)

	latin1 := make([]rune, 0)
	for _, b := range []byte("공고.pdf") {
		latin1 = append(latin1, rune(b))
	}

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"empty", "", ""},
		{"quoted ascii", `attachment; filename="report.pdf"`, "report.pdf"},
		{"rfc 5987", `attachment; filename*=UTF-8''%EC%95%88%EB%82%B4.docx`, "안내.docx"},
		{"percent encoded", `attachment; filename="%EC%95%88%EB%82%B4.xlsx"`, "안내.xlsx"},
		{"raw euc-kr", `attachment; filename="` + eucKR + `"`, "공고문.hwp"},
		{"latin-1 mojibake", `attachment; filename="` + string(latin1) + `"`, "공고.pdf"},
		{"unquoted", `attachment; filename=plain.txt`, "plain.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DispositionFilename(tt.header))
		})
	}
}

func TestChooseFileName(t *testing.T) {
	tests := []struct {
		name   string
		ref    models.AttachmentRef
		server string
		url    string
		want   string
	}{
		{"authoritative display", models.AttachmentRef{DisplayName: "a.pdf", NameAuthoritative: true}, "b.pdf", "c.pdf", "a.pdf"},
		{"server name", models.AttachmentRef{DisplayName: "다운로드"}, "b.pdf", "FileDown.do", "b.pdf"},
		{"file-like url", models.AttachmentRef{DisplayName: "다운로드"}, "", "c.hwp", "c.hwp"},
		{"display over script url", models.AttachmentRef{DisplayName: "안내문"}, "", "FileDown.do", "안내문"},
		{"borrowed extension", models.AttachmentRef{DisplayName: "안내문", NameAuthoritative: true}, "x.pdf", "", "안내문.pdf"},
		{"sanitized", models.AttachmentRef{DisplayName: `a/b:c?.pdf`, NameAuthoritative: true}, "", "", "a_b_c_.pdf"},
		{"nothing", models.AttachmentRef{}, "", "", "attachment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChooseFileName(tt.ref, tt.server, tt.url))
		})
	}
}
