package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"

	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/retry"
)

const aliveTimeout = 3 * time.Second

// Session owns one browser tab for the duration of a crawl. It is used by a
// single goroutine; the mutex only guards reinitialization against Close.
type Session struct {
	opts    Options
	parent  context.Context
	log     *logger.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closed      bool
}

// New prepares a session without starting Chrome. The first EnsureAlive
// starts it, so a startup failure surfaces where the crawl first needs a page.
func New(parent context.Context, opts Options, log *logger.Logger) *Session {
	if log == nil {
		log = logger.Default()
	}
	s := &Session{
		opts:   opts,
		parent: parent,
		log:    log.WithComponent("browser"),
	}
	if opts.NavigationsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.NavigationsPerSecond), 1)
	}
	return s
}

// Open starts Chrome and prepares a tab. The session lives until Close is
// called or parent is cancelled. Startup is attempted opts.OpenAttempts times
// with a linear backoff and fails with *SessionInitError.
func Open(parent context.Context, opts Options, log *logger.Logger) (*Session, error) {
	s := New(parent, opts, log)
	if err := s.start(parent); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	attempts := s.opts.OpenAttempts
	if attempts < 1 {
		attempts = 3
	}
	policy := retry.Policy{
		MaxAttempts: attempts,
		Backoff:     retry.Linear(s.opts.OpenBackoff),
	}.WithOnRetry(func(attempt int, err error) {
		s.log.WithError(err).Warn("browser start failed, retrying", "attempt", attempt)
	})

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return s.launch()
	})
	if err != nil {
		return &SessionInitError{Attempts: attempts, Err: err}
	}
	return nil
}

func (s *Session) launch() error {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(s.parent, s.opts.allocatorOptions()...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		emulation.SetDeviceMetricsOverride(int64(s.opts.Width), int64(s.opts.Height), 1, false),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": s.opts.AcceptLanguage}),
		emulation.SetLocaleOverride().WithLocale(s.opts.Locale),
	)
	if err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("failed to prepare tab: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancelTab()
		cancelAlloc()
		return retry.Permanent(ErrSessionClosed)
	}
	s.ctx, s.cancelTab, s.cancelAlloc = tabCtx, cancelTab, cancelAlloc
	s.log.Info("browser session started", "headless", s.opts.Headless)
	return nil
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tab, err := s.tab()
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(tab, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err = chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) tab() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx == nil {
		return nil, ErrSessionClosed
	}
	return s.ctx, nil
}

// IsAlive reports whether the tab still answers a trivial evaluation.
func (s *Session) IsAlive(ctx context.Context) bool {
	tab, err := s.tab()
	if err != nil || tab.Err() != nil {
		return false
	}
	var one int
	return s.run(ctx, aliveTimeout, chromedp.Evaluate(`1`, &one)) == nil && one == 1
}

// EnsureAlive reopens the browser when the current tab is dead.
func (s *Session) EnsureAlive(ctx context.Context) error {
	if s.IsAlive(ctx) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	started := s.ctx != nil
	s.mu.Unlock()
	if started {
		s.log.Warn("browser session is dead, reinitializing")
	}
	s.teardown()
	return s.start(ctx)
}

// Navigate loads url and waits according to policy.
func (s *Session) Navigate(ctx context.Context, url string, policy WaitPolicy) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ready := policy.Ready
	if ready == "" {
		ready = "body"
	}
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.WaitReady(ready, chromedp.ByQuery),
	}
	if policy.Settle > 0 {
		actions = append(actions, chromedp.Sleep(policy.Settle))
	}

	start := time.Now()
	if err := s.run(ctx, timeout, actions...); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &NavigationError{URL: url, Err: err}
	}
	s.log.Debug("navigated", "url", url, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// HTML returns the serialized document of the current page.
func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, 15*time.Second, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return html, nil
}

// Location returns the URL of the current page.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := s.run(ctx, 5*time.Second, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read location: %w", err)
	}
	return loc, nil
}

// Evaluate runs script in the page and decodes its result into out. A script
// that throws returns an error carrying the exception text.
func (s *Session) Evaluate(ctx context.Context, script string, out any, timeout time.Duration) error {
	if out == nil {
		var discard any
		out = &discard
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return s.run(ctx, timeout, chromedp.Evaluate(script, out))
}

// ClickAndCapture evaluates a click script and returns the URL that results,
// either in a newly opened tab or in the current one. The new tab is closed and
// a same-tab navigation is undone before returning.
func (s *Session) ClickAndCapture(ctx context.Context, script string, timeout time.Duration) (string, error) {
	tab, err := s.tab()
	if err != nil {
		return "", err
	}
	before, err := s.Location(ctx)
	if err != nil {
		return "", err
	}

	waitCtx, cancelWait := context.WithTimeout(tab, timeout)
	defer cancelWait()
	newTab := chromedp.WaitNewTarget(waitCtx, func(info *target.Info) bool {
		return info.Type == "page" && info.URL != "" && info.URL != "about:blank"
	})

	var clicked bool
	if err := s.run(ctx, timeout, chromedp.Evaluate(script, &clicked)); err != nil {
		return "", fmt.Errorf("click script failed: %w", err)
	}
	if !clicked {
		return "", errors.New("click target not found")
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case id, ok := <-newTab:
			if !ok {
				newTab = nil
				continue
			}
			return s.captureTab(ctx, tab, id, timeout)
		case <-ticker.C:
			loc, err := s.Location(ctx)
			if err == nil && loc != before && !strings.HasPrefix(loc, "about:") {
				_ = s.run(ctx, timeout, chromedp.NavigateBack())
				return loc, nil
			}
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("no navigation within %s", timeout)
		}
	}
}

func (s *Session) captureTab(ctx context.Context, tab context.Context, id target.ID, timeout time.Duration) (string, error) {
	child, cancel := chromedp.NewContext(tab, chromedp.WithTargetID(id))
	defer cancel()
	opCtx, cancelOp := context.WithTimeout(child, timeout)
	defer cancelOp()
	stop := context.AfterFunc(ctx, cancelOp)
	defer stop()

	var loc string
	if err := chromedp.Run(opCtx, chromedp.WaitReady("body", chromedp.ByQuery), chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("failed to read new tab location: %w", err)
	}
	return loc, nil
}

// Cookies returns the session cookies that apply to url, for replaying
// requests outside the browser.
func (s *Session) Cookies(ctx context.Context, url string) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, 5*time.Second, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{url}).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// UserAgent returns the identity the browser presents.
func (s *Session) UserAgent() string { return s.opts.UserAgent }

func (s *Session) teardown() {
	s.mu.Lock()
	cancelTab, cancelAlloc := s.cancelTab, s.cancelAlloc
	s.ctx, s.cancelTab, s.cancelAlloc = nil, nil, nil
	s.mu.Unlock()

	if cancelTab != nil {
		cancelTab()
	}
	if cancelAlloc != nil {
		cancelAlloc()
	}
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.teardown()
	s.log.Info("browser session closed")
	return nil
}
