package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

var (
	ErrNotLaunched = errors.New("browser session not launched")
	ErrStepTimeout = errors.New("browser step timed out")
)

// Session owns the single browser, context and page used by the scraper.
// Launch always tears the previous browser down first.
type Session struct {
	opts    *Options
	cookies *CookieFile
	logger  *slog.Logger

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

type Options struct {
	Headless          bool
	NavigationTimeout time.Duration
	StepTimeout       time.Duration
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	AcceptLanguage    string
	TimezoneID        string
	Locale            string
	ProxyServer       string
	CookiePath        string
	ExtraHeaders      map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		StepTimeout:       5 * time.Second,
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		AcceptLanguage:    "en-US,en;q=0.9",
		TimezoneID:        "America/New_York",
		Locale:            "en-US",
		CookiePath:        "cookies.json",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

// LaunchArgs are the Chromium flags every session starts with.
func LaunchArgs() []string {
	return []string{
		"--no-sandbox",
		"--disable-gpu",
		"--disable-blink-features=AutomationControlled",
		"--disable-dev-shm-usage",
		"--disable-setuid-sandbox",
	}
}

func NewSession(opts *Options, logger *slog.Logger) *Session {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		opts:   opts,
		logger: logger.With("component", "browser"),
	}
	if opts.CookiePath != "" {
		s.cookies = NewCookieFile(opts.CookiePath)
	}
	return s
}

// Launch starts a fresh browser, context and page and imports the last
// cookie checkpoint.
func (s *Session) Launch(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeBrowserLocked()

	if s.pw == nil {
		pw, err := Race(ctx, s.launchTimeout(), func() (*playwright.Playwright, error) {
			return playwright.Run()
		})
		if err != nil {
			return fmt.Errorf("failed to start playwright: %w", err)
		}
		s.pw = pw
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(s.opts.Headless),
		Args:     LaunchArgs(),
	}
	if s.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: s.opts.ProxyServer}
	}

	chromium := s.pw.Chromium
	browser, err := Race(ctx, s.launchTimeout(), func() (playwright.Browser, error) {
		return chromium.Launch(launchOpts)
	})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(s.opts.ExtraHeaders)+1)
	for k, v := range s.opts.ExtraHeaders {
		headers[k] = v
	}
	if s.opts.AcceptLanguage != "" {
		headers["Accept-Language"] = s.opts.AcceptLanguage
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(s.opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            playwright.String(s.opts.Locale),
		TimezoneId:        playwright.String(s.opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  s.opts.ViewportWidth,
			Height: s.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}
	bctx, err := Race(ctx, s.opts.StepTimeout, func() (playwright.BrowserContext, error) {
		return browser.NewContext(contextOpts)
	})
	if err != nil {
		if closeErr := bounded(context.Background(), s.opts.StepTimeout, func() error { return browser.Close() }); closeErr != nil {
			s.logger.Debug("failed to close browser", "error", closeErr)
		}
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	s.browser = browser
	s.context = bctx

	if err := s.importCookiesLocked(ctx); err != nil {
		s.logger.Warn("failed to import cookies", "error", err)
	}

	if err := s.newPageLocked(ctx); err != nil {
		s.closeBrowserLocked()
		return err
	}

	s.logger.Info("browser session launched", "headless", s.opts.Headless)
	return nil
}

func (s *Session) Restart(ctx context.Context) error {
	s.logger.Info("restarting browser session")
	return s.Launch(ctx)
}

// RecreatePage replaces only the active page, keeping browser and context.
func (s *Session) RecreatePage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.context == nil {
		return ErrNotLaunched
	}

	if s.page != nil {
		page := s.page
		if err := bounded(ctx, s.opts.StepTimeout, func() error { return page.Close() }); err != nil {
			s.logger.Debug("failed to close stale page", "error", err)
		}
		s.page = nil
	}

	return s.newPageLocked(ctx)
}

// SaveCookies checkpoints the context's cookies to the cookie file.
func (s *Session) SaveCookies(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	bctx := s.context
	s.mu.Unlock()

	if bctx == nil {
		return ErrNotLaunched
	}
	if s.cookies == nil {
		return nil
	}

	cookies, err := Race(ctx, s.opts.StepTimeout, func() ([]playwright.Cookie, error) {
		return bctx.Cookies()
	})
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}

	if err := s.cookies.Save(cookies); err != nil {
		return err
	}

	s.logger.Debug("cookies checkpointed", "count", len(cookies))
	return nil
}

func (s *Session) Page() playwright.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := s.closeBrowserLocked()

	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		s.pw = nil
	}

	return errors.Join(errs...)
}

// launchTimeout bounds starting the driver and the browser process.
func (s *Session) launchTimeout() time.Duration {
	return s.opts.NavigationTimeout + s.opts.StepTimeout
}

func (s *Session) newPageLocked(ctx context.Context) error {
	bctx := s.context
	page, err := Race(ctx, s.opts.StepTimeout, func() (playwright.Page, error) {
		return bctx.NewPage()
	})
	if err != nil {
		return fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(s.opts.StepTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(s.opts.NavigationTimeout.Milliseconds()))
	s.page = page
	return nil
}

func (s *Session) importCookiesLocked(ctx context.Context) error {
	if s.cookies == nil {
		return nil
	}

	cookies, err := s.cookies.Load()
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}

	bctx := s.context
	if err := bounded(ctx, s.opts.StepTimeout, func() error { return bctx.AddCookies(cookies) }); err != nil {
		return fmt.Errorf("failed to add cookies: %w", err)
	}

	s.logger.Debug("cookies imported", "count", len(cookies))
	return nil
}

func (s *Session) closeBrowserLocked() []error {
	var errs []error

	// pages close with their context
	s.page = nil

	if s.context != nil {
		bctx := s.context
		if err := bounded(context.Background(), s.opts.StepTimeout, func() error { return bctx.Close() }); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
		s.context = nil
	}

	if s.browser != nil {
		b := s.browser
		if err := bounded(context.Background(), s.opts.StepTimeout, func() error { return b.Close() }); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
		s.browser = nil
	}

	for _, err := range errs {
		s.logger.Warn("error while closing browser", "error", err)
	}
	return errs
}

func (s *Session) activePage() (playwright.Page, error) {
	page := s.Page()
	if page == nil {
		return nil, ErrNotLaunched
	}
	return page, nil
}

// Navigate loads url and returns the main response status (0 when the
// driver reported no response).
func (s *Session) Navigate(ctx context.Context, url string) (int, error) {
	page, err := s.activePage()
	if err != nil {
		return 0, err
	}

	return Race(ctx, s.opts.NavigationTimeout+time.Second, func() (int, error) {
		resp, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(s.opts.NavigationTimeout.Milliseconds())),
		})
		if err != nil {
			return 0, fmt.Errorf("navigation to %s failed: %w", url, err)
		}
		if resp == nil {
			return 0, nil
		}
		return resp.Status(), nil
	})
}

func (s *Session) Content(ctx context.Context) (string, error) {
	page, err := s.activePage()
	if err != nil {
		return "", err
	}
	return Race(ctx, s.opts.StepTimeout, page.Content)
}

// WaitForAny blocks until one of selectors is attached or timeout elapses.
func (s *Session) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}

	_, err = Race(ctx, timeout+time.Second, func() (struct{}, error) {
		return struct{}{}, page.Locator(strings.Join(selectors, ", ")).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
	})
	return err
}

// Humanize scrolls the page a little before extraction.
func (s *Session) Humanize(ctx context.Context) error {
	page, err := s.activePage()
	if err != nil {
		return err
	}

	_, err = Race(ctx, s.opts.StepTimeout, func() (any, error) {
		for i := 0; i < 3; i++ {
			if err := page.Mouse().Move(float64(100+i*200), float64(100+i*150)); err != nil {
				return nil, err
			}
		}
		return page.Evaluate(`window.scrollBy(0, Math.random() * 300)`)
	})
	return err
}
