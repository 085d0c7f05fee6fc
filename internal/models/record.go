package models

import "time"

// StrategyKind selects how an attachment is fetched.
type StrategyKind string

const (
	DirectLink       StrategyKind = "direct"
	ScriptedDownload StrategyKind = "scripted"
	FormPost         StrategyKind = "form"
)

// FormField is one name/value pair of a constructed form. Order is preserved.
type FormField struct {
	Name  string
	Value string
}

// FormSpec describes a form submission that yields a file.
type FormSpec struct {
	Action string
	Method string
	Fields []FormField
}

// AttachmentRef references one downloadable file of a detail page.
type AttachmentRef struct {
	DisplayName string
	// NameAuthoritative is set when DisplayName came from a scripted-download
	// argument or link text rather than a generic placeholder. An authoritative
	// name wins over the Content-Disposition header.
	NameAuthoritative bool
	Kind              StrategyKind
	URL               string
	Call              *ScriptCall
	Form              *FormSpec
}

// Source returns the most specific locator of the attachment for display.
func (a AttachmentRef) Source() string {
	switch a.Kind {
	case DirectLink:
		return a.URL
	case FormPost:
		if a.Form != nil {
			return a.Form.Action
		}
	case ScriptedDownload:
		if a.Call != nil {
			return "javascript:" + a.Call.Script()
		}
	}
	return ""
}

// DetailRecord is the extracted representation of one announcement.
type DetailRecord struct {
	Title         string
	CanonicalURL  string
	PublishedDate *time.Time
	BodyText      string
	Attachments   []AttachmentRef
}

// DownloadResult is the outcome of fetching one attachment.
type DownloadResult struct {
	Ref       AttachmentRef
	SavedPath string
	Err       error
}

// OK reports whether the attachment was saved.
func (r DownloadResult) OK() bool {
	return r.Err == nil && r.SavedPath != ""
}

// Failure is one error reported to the failure recorder.
type Failure struct {
	RunID     string
	Site      string
	Title     string
	URL       string
	ErrorType string
	Message   string
	At        time.Time
}

// SavedRecord identifies a persisted record folder.
type SavedRecord struct {
	Site          string
	Seq           int
	Title         string
	Dir           string
	CanonicalURL  string
	PublishedDate *time.Time
	Attachments   int
	FailedFiles   int
}

// RecordDraft is a record folder that has been created but not finalized.
type RecordDraft struct {
	Site           string
	Seq            int
	Title          string
	Dir            string
	AttachmentsDir string
}
