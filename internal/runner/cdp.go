// File: internal/runner/cdp.go
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// namedKeys maps the action vocabulary's key names onto the control runes
// the keyboard layer understands. Unlisted names are sent literally.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Escape":     kb.Escape,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

// cdpSession drives one freshly launched browser over the DevTools protocol.
type cdpSession struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	seed     *session.StorageState
	restored map[string]bool
}

// launchChromedp starts a browser process, opens one page and applies the
// job's environment: proxy, user agent, viewport, extra headers, service
// worker bypass, resource blocking, seeded cookies, console forensics.
func launchChromedp(ctx context.Context, cfg config.BrowserConfig, spec launchSpec) (browserSession, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if k, v, ok := strings.Cut(arg, "="); ok {
			opts = append(opts, chromedp.Flag(k, v))
		} else {
			opts = append(opts, chromedp.Flag(arg, true))
		}
	}
	if spec.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(spec.Proxy))
	}

	// The browser outlives the launch context; the job closes it explicitly
	// in Close, so the allocator hangs off the background context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &cdpSession{
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		seed:        spec.Seed,
		restored:    map[string]bool{},
	}

	if spec.ConsoleLine != nil {
		attachConsoleListener(tabCtx, spec.ConsoleLine)
	}
	if len(spec.BlockResources) > 0 {
		attachResourceBlocker(tabCtx, spec.BlockResources)
	}

	tasks := chromedp.Tasks{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		network.SetBypassServiceWorker(true),
	}
	if len(spec.BlockResources) > 0 {
		tasks = append(tasks, fetch.Enable())
	}
	if len(spec.Headers) > 0 {
		hdrs := make(network.Headers, len(spec.Headers))
		for k, v := range spec.Headers {
			hdrs[k] = v
		}
		tasks = append(tasks, network.SetExtraHTTPHeaders(hdrs))
	}
	if spec.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(spec.UserAgent))
	}
	if spec.Viewport != nil {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(
			int64(spec.Viewport.Width), int64(spec.Viewport.Height), 1.0, false))
	}
	if spec.Seed != nil {
		tasks = append(tasks, restoreCookies(spec.Seed.Cookies))
	}

	initTimeout := 30 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < initTimeout {
			initTimeout = until
		}
	}
	runCtx, cancel := context.WithTimeout(tabCtx, initTimeout)
	defer cancel()
	if err := chromedp.Run(runCtx, tasks); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return s, nil
}

// attachConsoleListener forwards console output and uncaught exceptions into
// the job log.
func attachConsoleListener(tabCtx context.Context, sink func(string)) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *cdpruntime.EventConsoleAPICalled:
			parts := make([]string, 0, len(e.Args))
			for _, arg := range e.Args {
				if len(arg.Value) > 0 {
					parts = append(parts, string(arg.Value))
				} else if arg.Description != "" {
					parts = append(parts, arg.Description)
				}
			}
			sink(fmt.Sprintf("console.%s: %s", e.Type, strings.Join(parts, " ")))
		case *cdpruntime.EventExceptionThrown:
			detail := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				detail = e.ExceptionDetails.Exception.Description
			}
			sink("page error: " + detail)
		}
	})
}

// attachResourceBlocker aborts paused requests whose resource type is on the
// block list and continues everything else. Decisions run off the event
// goroutine against the target's own executor.
func attachResourceBlocker(tabCtx context.Context, blocked []string) {
	blockSet := make(map[string]bool, len(blocked))
	for _, t := range blocked {
		blockSet[strings.ToLower(t)] = true
	}

	chromedp.ListenTarget(tabCtx, func(ev any) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(tabCtx)
			execCtx := cdp.WithExecutor(tabCtx, c.Target)
			if blockSet[strings.ToLower(string(e.ResourceType))] {
				_ = fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
				return
			}
			_ = fetch.ContinueRequest(e.RequestID).Do(execCtx)
		}()
	})
}

// restoreCookies reapplies persisted cookies before the first navigation.
func restoreCookies(cookies []session.Cookie) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if c.Expires > 0 {
				epoch := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
				p = p.WithExpires(&epoch)
			}
			if c.SameSite != "" {
				p = p.WithSameSite(network.CookieSameSite(strings.ToLower(c.SameSite)))
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("failed to restore cookie %q: %w", c.Name, err)
			}
		}
		return nil
	}
}

// run executes actions against the tab, bounded by the step context's
// deadline without tearing the tab down when the step times out.
func (s *cdpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := s.tabCtx
	if d, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(s.tabCtx, d)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (s *cdpSession) Navigate(ctx context.Context, url, waitUntil string) error {
	if waitUntil == "" {
		waitUntil = "domcontentloaded"
	}
	var eventName string
	switch waitUntil {
	case "load":
		eventName = "load"
	case "domcontentloaded":
		eventName = "DOMContentLoaded"
	case "networkidle":
		eventName = "networkIdle"
	case "commit":
		eventName = ""
	}

	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		frameID, loaderID, _, _, err := page.Navigate(url).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigation to %q failed: %w", url, err)
		}
		if eventName == "" {
			return nil
		}
		return waitForLifecycle(ctx, eventName, string(frameID), string(loaderID))
	}))
}

// waitForLifecycle blocks until the page emits the named lifecycle event for
// this navigation, matching both frame and loader so a prior navigation's
// events cannot satisfy the wait.
func waitForLifecycle(ctx context.Context, eventName, frameID, loaderID string) error {
	done := make(chan struct{})
	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chromedp.ListenTarget(listenerCtx, func(ev any) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		if string(e.FrameID) == frameID && string(e.LoaderID) == loaderID && string(e.Name) == eventName {
			cancel()
			close(done)
		}
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for %q: %w", eventName, ctx.Err())
	}
}

func (s *cdpSession) Click(ctx context.Context, selector string, delay time.Duration) error {
	tasks := chromedp.Tasks{chromedp.Click(selector, chromedp.ByQuery)}
	if delay > 0 {
		tasks = append(tasks, chromedp.Sleep(delay))
	}
	return s.run(ctx, tasks)
}

func (s *cdpSession) Fill(ctx context.Context, selector, text string) error {
	// Clear first so fill replaces the field content wholesale.
	return s.run(ctx,
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
}

func (s *cdpSession) Press(ctx context.Context, selector, key string) error {
	if seq, ok := namedKeys[key]; ok {
		key = seq
	}
	return s.run(ctx, chromedp.SendKeys(selector, key, chromedp.ByQuery))
}

func (s *cdpSession) WaitFor(ctx context.Context, selector, state string) error {
	var action chromedp.Action
	switch state {
	case "attached":
		action = chromedp.WaitReady(selector, chromedp.ByQuery)
	case "detached":
		action = chromedp.WaitNotPresent(selector, chromedp.ByQuery)
	case "hidden":
		action = chromedp.WaitNotVisible(selector, chromedp.ByQuery)
	default: // visible
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	return s.run(ctx, action)
}

func (s *cdpSession) Upload(ctx context.Context, selector, path string) error {
	return s.run(ctx, chromedp.SetUploadFiles(selector, []string{path}, chromedp.ByQuery))
}

func (s *cdpSession) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var err error
	if fullPage {
		err = s.run(ctx, chromedp.FullScreenshot(&buf, 100))
	} else {
		err = s.run(ctx, chromedp.CaptureScreenshot(&buf))
	}
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

func (s *cdpSession) ExtractText(ctx context.Context, selector string) (string, error) {
	var out string
	if err := s.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read text of %q: %w", selector, err)
	}
	return out, nil
}

func (s *cdpSession) ExtractAttr(ctx context.Context, selector, attr string) (string, error) {
	var val string
	var found bool
	if err := s.run(ctx, chromedp.AttributeValue(selector, attr, &val, &found, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read attribute %q of %q: %w", attr, selector, err)
	}
	if !found {
		return "", nil
	}
	return val, nil
}

func (s *cdpSession) Evaluate(ctx context.Context, script string, arg any) (any, error) {
	expr, err := buildExpression(script, arg)
	if err != nil {
		return nil, err
	}

	var raw []byte
	err = s.run(ctx, chromedp.Evaluate(expr, &raw,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true).WithReturnByValue(true)
		}))
	if err != nil {
		return nil, fmt.Errorf("evaluate failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	return result, nil
}

// buildExpression wraps the script so statement-style bodies using "return"
// and bare expressions both evaluate, with the optional argument bound to
// "arg".
func buildExpression(script string, arg any) (string, error) {
	argJSON := "undefined"
	if arg != nil {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("failed to encode evaluate argument: %w", err)
		}
		argJSON = string(data)
	}
	if strings.Contains(script, "return") {
		return fmt.Sprintf("(function(arg) { %s })(%s)", script, argJSON), nil
	}
	return fmt.Sprintf("(function(arg) { return (%s); })(%s)", script, argJSON), nil
}

func (s *cdpSession) StorageState(ctx context.Context) (*session.StorageState, error) {
	state := &session.StorageState{
		Cookies: []session.Cookie{},
		Origins: []session.OriginState{},
	}

	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to read cookies: %w", err)
		}
		for _, c := range cookies {
			state.Cookies = append(state.Cookies, session.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
				SameSite: string(c.SameSite),
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	// localStorage is origin scoped; capture whatever the page currently
	// has access to.
	var origin string
	var items map[string]string
	err = s.run(ctx,
		chromedp.Evaluate(`window.location.origin`, &origin),
		chromedp.Evaluate(`(function() {
			let items = {};
			try {
				for (let i = 0; i < window.localStorage.length; i++) {
					const k = window.localStorage.key(i);
					if (k !== null) { items[k] = window.localStorage.getItem(k); }
				}
			} catch (e) {}
			return items;
		})()`, &items),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture localStorage: %w", err)
	}
	if origin != "" && origin != "null" && len(items) > 0 {
		os := session.OriginState{Origin: origin, LocalStorage: []session.LocalStorageItem{}}
		for k, v := range items {
			os.LocalStorage = append(os.LocalStorage, session.LocalStorageItem{Name: k, Value: v})
		}
		state.Origins = append(state.Origins, os)
	}
	return state, nil
}

func (s *cdpSession) RestoreOrigin(ctx context.Context, origin string) (bool, error) {
	if s.seed == nil || s.restored[origin] {
		return false, nil
	}
	for _, o := range s.seed.Origins {
		if o.Origin != origin {
			continue
		}
		s.restored[origin] = true
		_, err := s.Evaluate(ctx, `for (const item of arg) { window.localStorage.setItem(item.name, item.value); }`, o.LocalStorage)
		if err != nil {
			return false, fmt.Errorf("failed to restore localStorage for %q: %w", origin, err)
		}
		return true, nil
	}
	return false, nil
}

// Close releases the page context before the browser process, always
// attempting both.
func (s *cdpSession) Close() error {
	s.tabCancel()
	s.allocCancel()
	return nil
}
