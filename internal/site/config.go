// Package site holds the declarative per-site crawl configuration: selectors,
// pagination template, resolution order, call templates and date hints.
package site

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Resolution strategy names accepted in resolve.order.
const (
	StrategyDataAttribute = "data_attribute"
	StrategyAbsoluteURL   = "absolute_url"
	StrategyRelativeURL   = "relative_url"
	StrategyScriptCall    = "script_call"
	StrategyClickThrough  = "click_through"
)

// DefaultOrder is the resolution priority used when a site does not set one.
var DefaultOrder = []string{
	StrategyDataAttribute,
	StrategyAbsoluteURL,
	StrategyRelativeURL,
	StrategyScriptCall,
	StrategyClickThrough,
}

// PagePlaceholder is replaced by the page number in list_url.
const PagePlaceholder = "{page}"

// Config describes one announcement board.
type Config struct {
	Code          string   `yaml:"code"`
	Name          string   `yaml:"name"`
	BaseURL       string   `yaml:"base_url"`
	ListURL       string   `yaml:"list_url"`
	FeedURL       string   `yaml:"feed_url"`
	InsecureTLS   bool     `yaml:"insecure_tls"`
	RespectRobots bool     `yaml:"respect_robots"`
	DateLayouts   []string `yaml:"date_layouts"`

	List        ListConfig       `yaml:"list"`
	Detail      DetailConfig     `yaml:"detail"`
	Resolve     ResolveConfig    `yaml:"resolve"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Timeouts    Timeouts         `yaml:"timeouts"`
}

// ListConfig selects rows on a listing page.
type ListConfig struct {
	Row     string `yaml:"row"`
	Title   string `yaml:"title"`
	Date    string `yaml:"date"`
	Link    string `yaml:"link"`
	SkipRow string `yaml:"skip_row"`
	// DataAttributes are read from the row and its link, first non-empty wins.
	DataAttributes []string `yaml:"data_attributes"`
	WaitFor        string   `yaml:"wait_for"`
}

// DetailConfig drives content extraction on a detail page.
type DetailConfig struct {
	Content      []string `yaml:"content"`
	Exclude      []string `yaml:"exclude"`
	Date         []string `yaml:"date"`
	DateLabels   []string `yaml:"date_labels"`
	ErrorMarkers []string `yaml:"error_markers"`
	WaitFor      string   `yaml:"wait_for"`
}

// ResolveConfig controls detail URL resolution.
type ResolveConfig struct {
	Order        []string       `yaml:"order"`
	Calls        []CallTemplate `yaml:"calls"`
	ClickThrough bool           `yaml:"click_through"`
}

// CallTemplate maps an inline script call to a detail URL. Arguments are
// substituted positionally into URL as {0}, {1}, ...
type CallTemplate struct {
	Name  string `yaml:"name"`
	Arity []int  `yaml:"arity"`
	URL   string `yaml:"url"`
}

// AttachmentConfig locates attachments on a detail page.
type AttachmentConfig struct {
	Selector string `yaml:"selector"`
	// Scripted lists page functions that trigger a browser download.
	Scripted []string       `yaml:"scripted"`
	Forms    []FormTemplate `yaml:"forms"`
}

// FormTemplate turns a download function call into a form submission that
// can be replayed over plain HTTP.
type FormTemplate struct {
	Function string            `yaml:"function"`
	Action   string            `yaml:"action"`
	Method   string            `yaml:"method"`
	Fields   []string          `yaml:"fields"`
	Static   map[string]string `yaml:"static"`
}

// Timeouts bounds each kind of browser wait.
type Timeouts struct {
	List     Duration `yaml:"list"`
	Detail   Duration `yaml:"detail"`
	Settle   Duration `yaml:"settle"`
	Script   Duration `yaml:"script"`
	Click    Duration `yaml:"click"`
	Download Duration `yaml:"download"`
}

// Duration is a time.Duration that reads "30s" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Parse decodes a YAML site definition, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse site config: %w", err)
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyDefaults fills unset timeouts, resolution order and link selector.
func (c *Config) ApplyDefaults() {
	if len(c.Resolve.Order) == 0 {
		c.Resolve.Order = append([]string(nil), DefaultOrder...)
	}
	if c.List.Link == "" {
		c.List.Link = "a"
	}
	if len(c.Detail.Content) == 0 {
		c.Detail.Content = []string{"article", "#content", ".content", "main"}
	}
	if len(c.Detail.DateLabels) == 0 {
		c.Detail.DateLabels = []string{"작성일", "등록일", "게시일", "Date", "Posted"}
	}
	setDefault(&c.Timeouts.List, 45*time.Second)
	setDefault(&c.Timeouts.Detail, 45*time.Second)
	setDefault(&c.Timeouts.Settle, 1500*time.Millisecond)
	setDefault(&c.Timeouts.Script, 5*time.Second)
	setDefault(&c.Timeouts.Click, 5*time.Second)
	setDefault(&c.Timeouts.Download, 60*time.Second)
	for i := range c.Attachments.Forms {
		if c.Attachments.Forms[i].Method == "" {
			c.Attachments.Forms[i].Method = "POST"
		}
		c.Attachments.Forms[i].Method = strings.ToUpper(c.Attachments.Forms[i].Method)
	}
}

func setDefault(d *Duration, v time.Duration) {
	if *d <= 0 {
		*d = Duration(v)
	}
}

// Validate reports configuration errors that would make a crawl meaningless.
func (c *Config) Validate() error {
	var errs []error
	if c.Code == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("base_url: %w", err))
	}
	if c.FeedURL == "" {
		if !strings.Contains(c.ListURL, PagePlaceholder) {
			errs = append(errs, fmt.Errorf("list_url must contain %s", PagePlaceholder))
		}
		if c.List.Row == "" {
			errs = append(errs, errors.New("list.row selector is required"))
		}
	}
	for _, s := range c.Resolve.Order {
		if !validStrategy(s) {
			errs = append(errs, fmt.Errorf("unknown resolution strategy %q", s))
		}
	}
	for _, t := range c.Resolve.Calls {
		if t.Name == "" || t.URL == "" {
			errs = append(errs, errors.New("resolve.calls entries need name and url"))
		}
	}
	for _, f := range c.Attachments.Forms {
		if f.Function == "" || f.Action == "" {
			errs = append(errs, errors.New("attachments.forms entries need function and action"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("site %q: %w", c.Code, errors.Join(errs...))
	}
	return nil
}

func validStrategy(s string) bool {
	for _, o := range DefaultOrder {
		if s == o {
			return true
		}
	}
	return false
}

// PageURL renders the listing URL for page n.
func (c *Config) PageURL(n int) string {
	return strings.ReplaceAll(c.ListURL, PagePlaceholder, strconv.Itoa(n))
}

// Rebase resolves ref against the configured base URL.
func (c *Config) Rebase(ref string) (string, error) {
	return Rebase(c.BaseURL, ref)
}

// Rebase resolves ref against base and rejects non-http results.
func Rebase(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid reference: %w", err)
	}
	u := b.ResolveReference(r)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// CallFor returns the call template matching a script call's name and arity.
func (c *Config) CallFor(name string, argc int) (CallTemplate, bool) {
	for _, t := range c.Resolve.Calls {
		if t.Name != name {
			continue
		}
		if len(t.Arity) == 0 {
			return t, true
		}
		for _, a := range t.Arity {
			if a == argc {
				return t, true
			}
		}
	}
	return CallTemplate{}, false
}

// Expand substitutes call arguments into the template URL.
func (t CallTemplate) Expand(args []string) string {
	out := t.URL
	for i, a := range args {
		out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", url.QueryEscape(a))
	}
	return out
}

// FormFor returns the form template bound to a download function.
func (c *Config) FormFor(function string) (FormTemplate, bool) {
	for _, f := range c.Attachments.Forms {
		if f.Function == function {
			return f, true
		}
	}
	return FormTemplate{}, false
}

// IsScripted reports whether function triggers a browser-native download.
func (c *Config) IsScripted(function string) bool {
	for _, s := range c.Attachments.Scripted {
		if s == function {
			return true
		}
	}
	return false
}
