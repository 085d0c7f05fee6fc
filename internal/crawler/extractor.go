package crawler

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	ahocorasick "github.com/cloudflare/ahocorasick"
	readability "github.com/go-shiori/go-readability"

	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/site"
)

// dateScanRunes is how far after a date label the extractor looks for a date.
const dateScanRunes = 40

var fileExtensions = map[string]bool{
	".pdf": true, ".hwp": true, ".hwpx": true, ".doc": true, ".docx": true,
	".xls": true, ".xlsx": true, ".ppt": true, ".pptx": true, ".zip": true,
	".txt": true, ".csv": true, ".jpg": true, ".jpeg": true, ".png": true,
	".gif": true, ".odt": true, ".ods": true, ".rtf": true, ".7z": true,
}

// Extractor turns a loaded detail document into a DetailRecord.
type Extractor struct {
	site    *site.Config
	markers *ahocorasick.Matcher
}

// NewExtractor creates an extractor for cfg.
func NewExtractor(cfg *site.Config) *Extractor {
	e := &Extractor{site: cfg}
	if len(cfg.Detail.ErrorMarkers) > 0 {
		e.markers = ahocorasick.NewStringMatcher(cfg.Detail.ErrorMarkers)
	}
	return e
}

// Extract parses html loaded from pageURL. Body text comes from the first
// configured content region with text, then a readability pass, then the whole
// body; chrome is removed from a copy of the region. The list date is kept
// when it parses, otherwise the page is scanned for a labeled date.
func (e *Extractor) Extract(html, pageURL string, entry models.ListEntry) (*models.DetailRecord, error) {
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrExtraction)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	body := doc.Find("body")
	if body.Length() == 0 {
		return nil, fmt.Errorf("%w: document has no body", ErrExtraction)
	}

	fullText := renderText(body)
	if e.markers != nil {
		probe := doc.Find("title").Text() + "\n" + fullText
		if hits := e.markers.Match([]byte(probe)); len(hits) > 0 {
			return nil, fmt.Errorf("%w: error page marker %q", ErrExtraction, e.site.Detail.ErrorMarkers[hits[0]])
		}
	}

	rec := &models.DetailRecord{
		Title:        entry.Title,
		CanonicalURL: pageURL,
		Attachments:  e.attachments(doc, pageURL),
	}
	if rec.Title == "" {
		rec.Title = cleanInline(doc.Find("title").First().Text())
	}

	rec.BodyText = e.bodyText(doc, html, pageURL)

	rec.PublishedDate = models.ParseDate(entry.ListDate, e.site.DateLayouts...)
	if rec.PublishedDate == nil {
		rec.PublishedDate = e.detailDate(doc, fullText)
	}
	return rec, nil
}

func (e *Extractor) bodyText(doc *goquery.Document, html, pageURL string) string {
	for _, sel := range e.site.Detail.Content {
		region := doc.Find(sel).First()
		if region.Length() == 0 {
			continue
		}
		if text := renderText(e.strip(region)); text != "" {
			return text
		}
	}

	if text := readable(html, pageURL); text != "" {
		return text
	}
	return renderText(e.strip(doc.Find("body")))
}

// strip removes excluded elements from a copy of region.
func (e *Extractor) strip(region *goquery.Selection) *goquery.Selection {
	scoped := region.Clone()
	for _, sel := range e.site.Detail.Exclude {
		scoped.Find(sel).Remove()
	}
	return scoped
}

func readable(html, pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return ""
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content)); err == nil {
		if text := renderText(doc.Find("body")); text != "" {
			return text
		}
	}
	return tidy(article.TextContent)
}

func (e *Extractor) detailDate(doc *goquery.Document, fullText string) *time.Time {
	for _, sel := range e.site.Detail.Date {
		if d := models.ParseDate(cleanInline(doc.Find(sel).First().Text()), e.site.DateLayouts...); d != nil {
			return d
		}
	}
	for _, label := range e.site.Detail.DateLabels {
		rest := fullText
		for {
			i := strings.Index(rest, label)
			if i < 0 {
				break
			}
			rest = rest[i+len(label):]
			window := rest
			if utf8.RuneCountInString(window) > dateScanRunes {
				window = string([]rune(window)[:dateScanRunes])
			}
			if d := models.ParseDate(window, e.site.DateLayouts...); d != nil {
				return d
			}
		}
	}
	return nil
}

// attachments collects attachment references from the full document, before
// any exclusion, deduplicated by source.
func (e *Extractor) attachments(doc *goquery.Document, pageURL string) []models.AttachmentRef {
	if e.site.Attachments.Selector == "" {
		return nil
	}
	var refs []models.AttachmentRef
	seen := map[string]bool{}
	doc.Find(e.site.Attachments.Selector).Each(func(i int, a *goquery.Selection) {
		ref, ok := e.attachmentRef(a, pageURL)
		if !ok {
			return
		}
		key := string(ref.Kind) + "|" + ref.Source()
		if seen[key] {
			return
		}
		seen[key] = true
		if ref.DisplayName == "" {
			ref.DisplayName = "attachment_" + strconv.Itoa(len(refs)+1)
		}
		refs = append(refs, ref)
	})
	return refs
}

func (e *Extractor) attachmentRef(a *goquery.Selection, pageURL string) (models.AttachmentRef, bool) {
	text := trimSizeSuffix(cleanInline(a.Text()))
	if text == "" {
		text = trimSizeSuffix(cleanInline(a.AttrOr("title", "")))
	}
	href := strings.TrimSpace(a.AttrOr("href", ""))
	onclick := strings.TrimSpace(a.AttrOr("onclick", ""))

	script := onclick
	if strings.HasPrefix(strings.ToLower(href), "javascript:") {
		script = href
	}
	if call, ok := models.ParseScriptCall(script); ok && script != "" && e.downloadCall(call.Name) {
		ref := models.AttachmentRef{DisplayName: text, NameAuthoritative: looksLikeFileName(text)}
		if argName := fileNameArg(call.Args); argName != "" {
			ref.DisplayName, ref.NameAuthoritative = argName, true
		}
		if form, ok := e.site.FormFor(call.Name); ok {
			action, err := site.Rebase(pageURL, form.Action)
			if err != nil {
				return models.AttachmentRef{}, false
			}
			ref.Kind = models.FormPost
			ref.Form = &models.FormSpec{Action: action, Method: form.Method, Fields: formFields(form, call.Args)}
			return ref, true
		}
		ref.Kind = models.ScriptedDownload
		ref.Call = &call
		return ref, true
	}

	if href == "" || strings.HasPrefix(href, "#") {
		return models.AttachmentRef{}, false
	}
	u, err := site.Rebase(pageURL, href)
	if err != nil {
		return models.AttachmentRef{}, false
	}
	return models.AttachmentRef{
		DisplayName:       text,
		NameAuthoritative: looksLikeFileName(text),
		Kind:              models.DirectLink,
		URL:               u,
	}, true
}

// downloadCall reports whether a script call in the attachment area fetches a
// file. With no scripted functions configured every unbound call counts.
func (e *Extractor) downloadCall(name string) bool {
	if _, ok := e.site.FormFor(name); ok {
		return true
	}
	return len(e.site.Attachments.Scripted) == 0 || e.site.IsScripted(name)
}

// formFields zips a form template's field names with call arguments. Static
// fields are appended in name order.
func formFields(form site.FormTemplate, args []string) []models.FormField {
	fields := make([]models.FormField, 0, len(form.Fields)+len(form.Static))
	for i, name := range form.Fields {
		v := ""
		if i < len(args) {
			v = args[i]
		}
		fields = append(fields, models.FormField{Name: name, Value: v})
	}
	names := make([]string, 0, len(form.Static))
	for k := range form.Static {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fields = append(fields, models.FormField{Name: k, Value: form.Static[k]})
	}
	return fields
}

func fileNameArg(args []string) string {
	for _, a := range args {
		if looksLikeFileName(a) {
			return strings.TrimSpace(a)
		}
	}
	return ""
}

// looksLikeFileName reports whether s ends in a known document extension,
// which separates real names from placeholders such as "다운로드".
func looksLikeFileName(s string) bool {
	return fileExtensions[strings.ToLower(path.Ext(strings.TrimSpace(s)))]
}

// trimSizeSuffix turns "report.pdf (1.2MB)" into "report.pdf".
func trimSizeSuffix(s string) string {
	i := strings.LastIndex(s, "(")
	if i <= 0 || !strings.HasSuffix(s, ")") {
		return s
	}
	if head := strings.TrimSpace(s[:i]); looksLikeFileName(head) {
		return head
	}
	return s
}
