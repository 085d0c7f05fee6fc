package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

// Download is a file saved by the browser.
type Download struct {
	Path          string
	SuggestedName string
	URL           string
}

type downloadEvent struct {
	guid string
	err  error
}

// DownloadByScript triggers a browser-native download by evaluating script in
// the current page and waits up to timeout for it to finish in dir. The event
// listener is installed before the script runs so a fast download cannot be
// missed. The file is saved under its GUID and renamed by the caller.
func (s *Session) DownloadByScript(ctx context.Context, script, dir string, timeout time.Duration) (*Download, error) {
	tab, err := s.tab()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var (
		mu    sync.Mutex
		begun = map[string]*browser.EventDownloadWillBegin{}
		done  = make(chan downloadEvent, 1)
	)
	listenCtx, stopListening := context.WithCancel(tab)
	defer stopListening()

	chromedp.ListenTarget(listenCtx, func(ev any) {
		switch ev := ev.(type) {
		case *browser.EventDownloadWillBegin:
			mu.Lock()
			begun[ev.GUID] = ev
			mu.Unlock()
		case *browser.EventDownloadProgress:
			var out downloadEvent
			switch ev.State {
			case browser.DownloadProgressStateCompleted:
				out = downloadEvent{guid: ev.GUID}
			case browser.DownloadProgressStateCanceled:
				out = downloadEvent{guid: ev.GUID, err: errors.New("download canceled by browser")}
			default:
				return
			}
			select {
			case done <- out:
			default:
			}
		}
	})

	setup := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(absDir).
		WithEventsEnabled(true)
	if err := s.run(ctx, 5*time.Second, setup); err != nil {
		return nil, fmt.Errorf("failed to arm download listener: %w", err)
	}

	wrapped := fmt.Sprintf(`(function(){ %s; return true; })()`, script)
	var ok bool
	if err := s.run(ctx, 10*time.Second, chromedp.Evaluate(wrapped, &ok)); err != nil {
		return nil, fmt.Errorf("download script failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-done:
		if ev.err != nil {
			return nil, ev.err
		}
		mu.Lock()
		info := begun[ev.guid]
		mu.Unlock()
		d := &Download{Path: filepath.Join(absDir, ev.guid)}
		if info != nil {
			d.SuggestedName = info.SuggestedFilename
			d.URL = info.URL
		}
		return d, nil
	case <-timer.C:
		return nil, fmt.Errorf("no download completed within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
