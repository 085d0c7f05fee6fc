// Package browser manages a single headless Chrome session driven through
// chromedp: navigation, script evaluation, click-through capture and
// browser-native downloads.
package browser

import (
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// Options configures the identity and limits of a browser session.
type Options struct {
	Headless       bool
	ExecPath       string
	UserAgent      string
	Width          int
	Height         int
	Locale         string
	AcceptLanguage string
	InsecureTLS    bool
	// NavigationsPerSecond throttles Navigate; zero disables throttling.
	NavigationsPerSecond float64
	OpenAttempts         int
	OpenBackoff          time.Duration
}

// DefaultOptions returns a desktop Chrome identity with a Korean locale.
func DefaultOptions() Options {
	return Options{
		Headless:             true,
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Width:                1920,
		Height:               1080,
		Locale:               "ko-KR",
		AcceptLanguage:       "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7",
		NavigationsPerSecond: 1,
		OpenAttempts:         3,
		OpenBackoff:          2 * time.Second,
	}
}

func (o Options) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", o.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("lang", o.Locale),
		chromedp.UserAgent(o.UserAgent),
		chromedp.WindowSize(o.Width, o.Height),
	)
	if o.InsecureTLS {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	return opts
}

// WaitPolicy describes when a navigation counts as loaded.
type WaitPolicy struct {
	// Ready is a CSS selector that must be present; empty means "body".
	Ready string
	// Settle is an extra pause for late scripts after Ready matched.
	Settle  time.Duration
	Timeout time.Duration
}

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// SessionInitError reports that no session could be started within the retry budget.
type SessionInitError struct {
	Attempts int
	Err      error
}

func (e *SessionInitError) Error() string {
	return fmt.Sprintf("browser session init failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// NavigationError reports a failed or timed out navigation.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
