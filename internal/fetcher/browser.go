package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/foofork/riptide/internal/automation"
	"github.com/foofork/riptide/internal/cdppool"
	"github.com/foofork/riptide/internal/config"
	"github.com/foofork/riptide/internal/types"
)

const browserID = "default"

// BrowserFetcher implements Fetcher using a headless browser via Rod. Page
// reuse, wait-queueing, and session affinity are delegated to the C6 CDP
// pool instead of a bare channel of pages.
type BrowserFetcher struct {
	browser    *rod.Browser
	cfg        *config.Config
	stealthCfg *StealthConfig
	logger     *slog.Logger
	proxyMgr   *ProxyManager
	cdp        *cdppool.Pool
	cdpCfg     cdppool.Config
	cdpCfgSet  bool
}

// BrowserOption configures the BrowserFetcher.
type BrowserOption func(*BrowserFetcher)

// WithStealth enables stealth mode with the given configuration.
func WithStealth(cfg *StealthConfig) BrowserOption {
	return func(bf *BrowserFetcher) { bf.stealthCfg = cfg }
}

// WithBrowserProxy sets the proxy manager for browser requests.
func WithBrowserProxy(pm *ProxyManager) BrowserOption {
	return func(bf *BrowserFetcher) { bf.proxyMgr = pm }
}

// WithCDPPoolConfig overrides the pool's default connection-reuse limits.
func WithCDPPoolConfig(cfg cdppool.Config) BrowserOption {
	return func(bf *BrowserFetcher) { bf.cdpCfg = cfg; bf.cdpCfgSet = true }
}

// NewBrowserFetcher creates a new headless browser fetcher, registering its
// browser with a C6 CDP pool sized from cfg.Engine.Concurrency.
func NewBrowserFetcher(cfg *config.Config, logger *slog.Logger, opts ...BrowserOption) (*BrowserFetcher, error) {
	bf := &BrowserFetcher{
		cfg:    cfg,
		logger: logger.With("component", "browser_fetcher"),
	}

	for _, opt := range opts {
		opt(bf)
	}

	launchURL, err := bf.launchBrowser()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	bf.browser = browser

	poolCfg := cdppool.DefaultConfig()
	if cfg.Engine.Concurrency > 0 {
		poolCfg.MaxConnectionsPerBrowser = cfg.Engine.Concurrency
	}
	if bf.cdpCfgSet {
		poolCfg = bf.cdpCfg
	}
	cdp, err := cdppool.New(poolCfg, logger)
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("create cdp pool: %w", err)
	}
	cdp.Register(browserID, browser)
	bf.cdp = cdp

	bf.logger.Info("browser fetcher ready",
		"max_connections", poolCfg.MaxConnectionsPerBrowser,
		"stealth", bf.stealthCfg != nil,
	)

	return bf, nil
}

// launchBrowser starts a Chromium instance with appropriate flags.
func (bf *BrowserFetcher) launchBrowser() (string, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-web-security").
		Set("disable-features", "IsolateOrigins,site-per-process").
		Set("disable-blink-features", "AutomationControlled")

	// Set proxy if available
	if bf.proxyMgr != nil {
		proxyURL := bf.proxyMgr.Next()
		if proxyURL != nil {
			l = l.Proxy(proxyURL.String())
		}
	}

	// Stealth: additional launch flags
	if bf.stealthCfg != nil {
		if bf.stealthCfg.UserDataDir != "" {
			l = l.UserDataDir(bf.stealthCfg.UserDataDir)
		}
		if bf.stealthCfg.WindowSize != "" {
			l = l.Set("window-size", bf.stealthCfg.WindowSize)
		}
	}

	return l.Launch()
}

// cdpPriority maps a request's scheduling priority (0 = highest per
// types.PriorityHighest) onto the pool's wait-queue priority (higher value
// served first).
func cdpPriority(reqPriority int) cdppool.Priority {
	switch {
	case reqPriority <= types.PriorityHighest:
		return cdppool.PriorityCritical
	case reqPriority == types.PriorityHigh:
		return cdppool.PriorityHigh
	case reqPriority == types.PriorityNormal:
		return cdppool.PriorityNormal
	default:
		return cdppool.PriorityLow
	}
}

// Fetch navigates to a URL and returns the rendered page content.
func (bf *BrowserFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	start := time.Now()

	// Stealth pages are created fresh per fetch (stealth.Page injects
	// evasion scripts at page-creation time) rather than drawn from the
	// pool, and closed explicitly when done.
	var page *rod.Page
	var session *cdppool.Session
	if bf.stealthCfg != nil {
		p, err := stealth.Page(bf.browser)
		if err != nil {
			return nil, &types.FetchError{URL: req.URLString(), Err: fmt.Errorf("stealth page: %w", err), Retryable: true}
		}
		if _, err := p.EvalOnNewDocument(bf.stealthCfg.StealthJS()); err != nil {
			bf.logger.Warn("stealth script injection failed", "error", err)
		}
		page = p
		defer page.Close()
	} else {
		s, err := bf.cdp.Acquire(ctx, browserID, cdpPriority(req.Priority), req.Domain())
		if err != nil {
			return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
		}
		session = s
		page = s.Page
	}

	// Set custom User-Agent if provided
	if ua := req.Headers.Get("User-Agent"); ua != "" {
		err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: ua,
		})
		if err != nil {
			bf.logger.Warn("failed to set user agent", "error", err)
		}
	}

	// Set custom headers
	if len(req.Headers) > 0 {
		headers := make([]string, 0, len(req.Headers)*2)
		for k, vals := range req.Headers {
			if k == "User-Agent" {
				continue // Already handled
			}
			for _, v := range vals {
				headers = append(headers, k, v)
			}
		}
		if len(headers) > 0 {
			_, _ = page.SetExtraHeaders(headers)
		}
	}

	// Set cookies from request meta
	if cookies, ok := req.Meta["cookies"]; ok {
		if cookieList, ok := cookies.([]*proto.NetworkCookieParam); ok {
			err := page.SetCookies(cookieList)
			if err != nil {
				bf.logger.Warn("failed to set cookies", "error", err)
			}
		}
	}

	// Navigate with timeout
	timeout := bf.cfg.Engine.RequestTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}

	err := page.Timeout(timeout).Navigate(req.URLString())
	if err != nil {
		bf.release(session, false)
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}

	// Wait for page load
	err = page.Timeout(timeout).WaitStable(300 * time.Millisecond)
	if err != nil {
		bf.logger.Warn("page stability timeout, continuing", "url", req.URLString(), "error", err)
	}

	// Settle infinite-scroll / lazily-loaded content before extraction
	if scrollCfg, ok := req.Meta["infinite_scroll"]; ok {
		if maxScrolls, ok := scrollCfg.(int); ok && maxScrolls > 0 {
			wait := 500 * time.Millisecond
			if w, ok := req.Meta["infinite_scroll_wait"].(time.Duration); ok && w > 0 {
				wait = w
			}
			ba := automation.NewBrowserAutomation(page, bf.logger)
			n, err := ba.InfiniteScroll(maxScrolls, wait)
			if err != nil {
				bf.logger.Warn("infinite scroll error", "url", req.URLString(), "error", err)
			} else {
				bf.logger.Debug("infinite scroll complete", "url", req.URLString(), "scrolls", n)
			}
		}
	}

	// Inject a solved CAPTCHA token, if the render gate resolved one for
	// this request, into the common response-field conventions used by
	// reCAPTCHA/hCaptcha/Turnstile widgets.
	if token, ok := req.Meta["captcha_token"].(string); ok && token != "" {
		injectJS := fmt.Sprintf(`(() => {
			const token = %q;
			for (const name of ['g-recaptcha-response', 'h-captcha-response', 'cf-turnstile-response']) {
				document.querySelectorAll('textarea[name="' + name + '"], #' + name).forEach(el => { el.value = token; el.innerHTML = token; });
			}
			if (typeof ___grecaptcha_cfg !== 'undefined') {
				try {
					Object.entries(___grecaptcha_cfg.clients).forEach(([, client]) => {
						Object.values(client).forEach(cfg => {
							if (cfg && cfg.callback) cfg.callback(token);
						});
					});
				} catch (e) {}
			}
		})()`, token)
		if _, err := page.Eval(injectJS); err != nil {
			bf.logger.Warn("captcha token injection failed", "error", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	// Execute any custom JavaScript actions
	if jsCode, ok := req.Meta["js_eval"]; ok {
		if js, ok := jsCode.(string); ok && js != "" {
			_, err := page.Eval(js)
			if err != nil {
				bf.logger.Warn("js eval error", "url", req.URLString(), "error", err)
			}
			// Wait for any dynamic content after JS execution
			time.Sleep(500 * time.Millisecond)
		}
	}

	// Wait for selector if specified
	if selector, ok := req.Meta["wait_selector"]; ok {
		if sel, ok := selector.(string); ok && sel != "" {
			err := page.Timeout(10 * time.Second).MustElement(sel).WaitVisible()
			if err != nil {
				bf.logger.Warn("wait selector timeout", "selector", sel, "error", err)
			}
		}
	}

	// Get page content
	htmlBody, err := page.HTML()
	if err != nil {
		bf.release(session, false)
		return nil, &types.FetchError{URL: req.URLString(), Err: err, Retryable: true}
	}

	// Get final URL (after any redirects)
	info, err := page.Info()
	finalURL := req.URLString()
	if err == nil && info != nil {
		finalURL = info.URL
	}

	// Status code is not read from the page; rendered fetches report 200
	statusCode := 200 // Default — Rod doesn't easily expose status codes

	duration := time.Since(start)
	resp := types.NewBrowserResponse(req, statusCode, []byte(htmlBody), finalURL, duration)

	// Extract cookies and store in response meta
	pageCookies, _ := page.Cookies(nil)
	if len(pageCookies) > 0 {
		resp.Meta["cookies"] = pageCookies
	}

	bf.logger.Debug("browser fetch complete",
		"url", req.URLString(),
		"final_url", finalURL,
		"size", len(htmlBody),
		"duration", duration,
	)

	bf.release(session, true)
	return resp, nil
}

// release returns a pooled session (if any — stealth pages bypass the
// pool) and blanks its navigation state so the next acquirer starts clean.
func (bf *BrowserFetcher) release(session *cdppool.Session, success bool) {
	if session == nil {
		return
	}
	_ = session.Page.Navigate("about:blank")
	bf.cdp.Release(session)
}

// Close shuts down the browser and releases resources.
func (bf *BrowserFetcher) Close() error {
	if bf.cdp != nil {
		_ = bf.cdp.Close()
	}
	if bf.browser != nil {
		return bf.browser.Close()
	}
	return nil
}

// Type returns the fetcher type identifier.
func (bf *BrowserFetcher) Type() string {
	return "browser"
}
