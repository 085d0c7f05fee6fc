package crawler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/time/rate"

	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

var rawFilenamePattern = regexp.MustCompile(`(?i)filename\s*=\s*"?([^";]+)"?`)

// NewHTTPClient returns the client used for attachment and feed requests.
// insecure skips certificate verification, which many government sites need.
func NewHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(base),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// Downloader saves attachments using the strategy recorded on each ref.
type Downloader struct {
	site      *site.Config
	session   Session
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	verifyPDF bool
	log       *logger.Logger
}

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	Client    *http.Client
	UserAgent string
	// RequestsPerSecond throttles HTTP downloads; zero disables throttling.
	RequestsPerSecond float64
	// VerifyPDF rejects .pdf files that do not parse, which usually means the
	// server answered with an error page.
	VerifyPDF bool
}

// NewDownloader creates a Downloader. session may be nil when the site has no
// scripted downloads.
func NewDownloader(cfg *site.Config, session Session, dc DownloaderConfig, log *logger.Logger) *Downloader {
	if log == nil {
		log = logger.Default()
	}
	client := dc.Client
	if client == nil {
		client = NewHTTPClient(cfg.Timeouts.Download.Std(), cfg.InsecureTLS)
	}
	d := &Downloader{
		site:      cfg,
		session:   session,
		client:    client,
		userAgent: dc.UserAgent,
		verifyPDF: dc.VerifyPDF,
		log:       log.WithComponent("downloader"),
	}
	if dc.RequestsPerSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(dc.RequestsPerSecond), 1)
	}
	return d
}

// Download implements AttachmentDownloader. referer is the detail page URL.
func (d *Downloader) Download(ctx context.Context, ref models.AttachmentRef, referer, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}

	var (
		saved string
		err   error
	)
	switch ref.Kind {
	case models.DirectLink:
		saved, err = d.directLink(ctx, ref, referer, destDir)
	case models.FormPost:
		saved, err = d.formPost(ctx, ref, referer, destDir)
	case models.ScriptedDownload:
		saved, err = d.scripted(ctx, ref, destDir)
	default:
		err = fmt.Errorf("unknown download strategy %q", ref.Kind)
	}
	if err == nil {
		err = d.verify(saved)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDownload, ref.DisplayName, err)
	}
	d.log.Debug("attachment saved", "name", ref.DisplayName, "path", saved, "strategy", ref.Kind)
	return saved, nil
}

func (d *Downloader) directLink(ctx context.Context, ref models.AttachmentRef, referer, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	return d.fetch(ctx, req, ref, referer, destDir)
}

func (d *Downloader) formPost(ctx context.Context, ref models.AttachmentRef, referer, destDir string) (string, error) {
	if ref.Form == nil {
		return "", errors.New("form attachment without form")
	}
	values := url.Values{}
	for _, f := range ref.Form.Fields {
		values.Add(f.Name, f.Value)
	}

	var req *http.Request
	var err error
	if ref.Form.Method == http.MethodGet {
		u, perr := url.Parse(ref.Form.Action)
		if perr != nil {
			return "", fmt.Errorf("invalid form action: %w", perr)
		}
		q := u.Query()
		for k, vs := range values {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, ref.Form.Action, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	return d.fetch(ctx, req, ref, referer, destDir)
}

// fetch streams a response body into destDir. The body goes to a temporary
// file first and is renamed once the final name is known.
func (d *Downloader) fetch(ctx context.Context, req *http.Request, ref models.AttachmentRef, referer, destDir string) (string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if d.session != nil {
		if cookies, err := d.session.Cookies(ctx, req.URL.String()); err == nil {
			for _, c := range cookies {
				req.AddCookie(c)
			}
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(strings.ToLower(ct), "text/html") {
		return "", errors.New("server returned an html page instead of a file")
	}

	tmp, err := os.CreateTemp(destDir, ".download-*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close file: %w", err)
	}

	server := DispositionFilename(resp.Header.Get("Content-Disposition"))
	return placeFile(tmpPath, destDir, ChooseFileName(ref, server, path.Base(resp.Request.URL.Path)))
}

func (d *Downloader) scripted(ctx context.Context, ref models.AttachmentRef, destDir string) (string, error) {
	if d.session == nil {
		return "", errors.New("scripted download needs a browser session")
	}
	if ref.Call == nil {
		return "", errors.New("scripted attachment without call")
	}
	dl, err := d.session.DownloadByScript(ctx, ref.Call.Script(), destDir, d.site.Timeouts.Download.Std())
	if err != nil {
		return "", err
	}
	urlName := ""
	if u, err := url.Parse(dl.URL); err == nil && dl.URL != "" {
		urlName = path.Base(u.Path)
	}
	return placeFile(dl.Path, destDir, ChooseFileName(ref, dl.SuggestedName, urlName))
}

func (d *Downloader) verify(saved string) error {
	if !d.verifyPDF || !strings.EqualFold(filepath.Ext(saved), ".pdf") {
		return nil
	}
	if _, err := api.PageCountFile(saved); err != nil {
		os.Remove(saved)
		return fmt.Errorf("saved file is not a readable pdf: %w", err)
	}
	return nil
}

// ChooseFileName decides the saved name of an attachment. An authoritative
// display name wins because disposition headers on these sites are often
// mis-encoded; otherwise the server-supplied name is preferred, then a
// file-like URL name, then the display name. A missing extension is borrowed
// from whichever candidate has one.
func ChooseFileName(ref models.AttachmentRef, serverName, urlName string) string {
	display := models.SanitizeFileName(ref.DisplayName)
	server := models.SanitizeFileName(serverName)
	fromURL := models.SanitizeFileName(urlName)

	var name string
	switch {
	case ref.NameAuthoritative && display != "":
		name = display
	case server != "":
		name = server
	case looksLikeFileName(fromURL):
		name = fromURL
	case display != "":
		name = display
	case fromURL != "":
		name = fromURL
	default:
		name = "attachment"
	}
	if !looksLikeFileName(name) {
		for _, c := range []string{server, fromURL, display} {
			if looksLikeFileName(c) {
				name += filepath.Ext(c)
				break
			}
		}
	}
	return name
}

// DispositionFilename extracts the file name from a Content-Disposition header,
// decoding RFC 5987, percent-encoded and EUC-KR names.
func DispositionFilename(header string) string {
	if header == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(header); err == nil {
		if name := params["filename"]; name != "" {
			return repairName(name)
		}
	}
	if m := rawFilenamePattern.FindStringSubmatch(header); m != nil {
		return repairName(strings.TrimSpace(m[1]))
	}
	return ""
}

func repairName(name string) string {
	if strings.Contains(name, "%") {
		if u, err := url.PathUnescape(name); err == nil {
			name = u
		}
	}
	if !utf8.ValidString(name) {
		if dec, err := korean.EUCKR.NewDecoder().String(name); err == nil {
			name = dec
		}
	} else if isLatin1Mojibake(name) {
		raw := make([]byte, 0, len(name))
		for _, r := range name {
			raw = append(raw, byte(r))
		}
		if utf8.Valid(raw) {
			name = string(raw)
		} else if dec, err := korean.EUCKR.NewDecoder().Bytes(raw); err == nil {
			name = string(dec)
		}
	}
	return strings.TrimSpace(name)
}

// isLatin1Mojibake reports whether s consists only of Latin-1 runes with at
// least one in the upper half, the shape of bytes decoded as ISO-8859-1.
func isLatin1Mojibake(s string) bool {
	high := false
	for _, r := range s {
		if r > 0xff {
			return false
		}
		if r >= 0x80 {
			high = true
		}
	}
	return high
}

// placeFile moves src into dir under name, appending " (n)" on collision.
func placeFile(src, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	target := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		target = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
	}
	if err := os.Rename(src, target); err != nil {
		os.Remove(src)
		return "", fmt.Errorf("failed to place file: %w", err)
	}
	return target, nil
}
