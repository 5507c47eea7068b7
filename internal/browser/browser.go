package browser

import (
	"context"
	"fmt"
	"os"
	"time"

	"feedAudit/internal/failure"

	"github.com/playwright-community/playwright-go"
)

func New(cfg Config) *PlaywrightBrowser {
	// Установка дефолтных таймаутов
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.NavigateTimeout == 0 {
		cfg.NavigateTimeout = 60 * time.Second
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.MinKeyDelay == 0 {
		cfg.MinKeyDelay = 10 * time.Millisecond
	}
	if cfg.MaxKeyDelay < cfg.MinKeyDelay {
		cfg.MaxKeyDelay = 3 * cfg.MinKeyDelay
	}
	if cfg.Engine == "" {
		cfg.Engine = "firefox"
	}

	return &PlaywrightBrowser{
		cfg: cfg,
	}
}

// getPage безопасно возвращает текущую страницу с read lock
func (b *PlaywrightBrowser) getPage() playwright.Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.page
}

// setPage безопасно устанавливает страницу с write lock
func (b *PlaywrightBrowser) setPage(page playwright.Page) {
	b.mu.Lock()
	b.page = page
	handlers := append([]func(Response){}, b.onResp...)
	b.mu.Unlock()

	page.SetDefaultTimeout(float64(b.cfg.Timeout.Milliseconds()))
	for _, fn := range handlers {
		attachResponseHandler(page, fn)
	}
}

// Page возвращает основную вкладку для операций с лентой.
func (b *PlaywrightBrowser) Page() playwright.Page {
	return b.getPage()
}

func (b *PlaywrightBrowser) getBrowserArgs() []string {
	var args []string
	if b.cfg.Engine == "chromium" {
		args = []string{"--no-sandbox", "--disable-blink-features=AutomationControlled"}
	}
	return append(args, b.cfg.ExtraArgs...)
}

func (b *PlaywrightBrowser) getEnvMap() map[string]string {
	if b.cfg.Display != "" {
		return map[string]string{
			"DISPLAY": b.cfg.Display,
		}
	}
	return nil
}

func (b *PlaywrightBrowser) browserType(pw *playwright.Playwright) playwright.BrowserType {
	if b.cfg.Engine == "chromium" {
		return pw.Chromium
	}
	return pw.Firefox
}

func (b *PlaywrightBrowser) firefoxPrefs(locale string) map[string]interface{} {
	if b.cfg.Engine == "chromium" || locale == "" {
		return nil
	}
	return map[string]interface{}{
		"intl.accept_languages": locale,
	}
}

func proxyOption(opts LaunchOptions) *playwright.Proxy {
	if opts.Proxy.IsZero() {
		return nil
	}
	p := &playwright.Proxy{Server: opts.Proxy.Server()}
	if opts.ProxyUser != "" {
		p.Username = playwright.String(opts.ProxyUser)
		p.Password = playwright.String(opts.ProxyPassword)
	}
	return p
}

func localeOption(locale string) *string {
	if locale == "" {
		return nil
	}
	return playwright.String(locale)
}

func (b *PlaywrightBrowser) launchPersistent(bt playwright.BrowserType, opts LaunchOptions) error {
	launch := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:         playwright.Bool(b.cfg.Headless),
		Args:             b.getBrowserArgs(),
		Proxy:            proxyOption(opts),
		Locale:           localeOption(opts.Locale),
		FirefoxUserPrefs: b.firefoxPrefs(opts.Locale),
	}

	if env := b.getEnvMap(); env != nil {
		launch.Env = env
	}

	browserContext, err := bt.LaunchPersistentContext(b.cfg.UserDataDir, launch)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.context = browserContext
	b.mu.Unlock()

	pages := browserContext.Pages()
	var page playwright.Page
	if len(pages) == 0 {
		page, err = browserContext.NewPage()
		if err != nil {
			return err
		}
	} else {
		page = pages[0]
	}

	b.setPage(page)
	return nil
}

func (b *PlaywrightBrowser) launchStandard(bt playwright.BrowserType, opts LaunchOptions) error {
	launch := playwright.BrowserTypeLaunchOptions{
		Headless:         playwright.Bool(b.cfg.Headless),
		Args:             b.getBrowserArgs(),
		Proxy:            proxyOption(opts),
		FirefoxUserPrefs: b.firefoxPrefs(opts.Locale),
	}

	if env := b.getEnvMap(); env != nil {
		launch.Env = env
	}

	browser, err := bt.Launch(launch)
	if err != nil {
		return err
	}

	browserContext, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Locale: localeOption(opts.Locale),
	})
	if err != nil {
		_ = browser.Close()
		return err
	}

	b.mu.Lock()
	b.browser = browser
	b.context = browserContext
	b.mu.Unlock()

	page, err := browserContext.NewPage()
	if err != nil {
		return err
	}

	b.setPage(page)
	return nil
}

func (b *PlaywrightBrowser) Launch(ctx context.Context, opts LaunchOptions) error {
	if b.cfg.BrowsersPath != "" {
		_ = os.Setenv("PLAYWRIGHT_BROWSERS_PATH", b.cfg.BrowsersPath)
	}

	pw, err := playwright.Run()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.pw = pw
	b.mu.Unlock()

	bt := b.browserType(pw)
	if b.cfg.UserDataDir != "" {
		err = b.launchPersistent(bt, opts)
	} else {
		err = b.launchStandard(bt, opts)
	}
	if err != nil && failure.IsTransport(err) {
		return failure.Transport("launch", err)
	}
	return err
}

func (b *PlaywrightBrowser) Navigate(ctx context.Context, url string) error {
	page := b.getPage()
	if page == nil {
		return errNotLaunched
	}

	// Создаем context с timeout для navigate операции
	navCtx, cancel := context.WithTimeout(ctx, b.cfg.NavigateTimeout)
	defer cancel()

	// Channel для получения результата
	errChan := make(chan error, 1)
	go func() {
		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateLoad,
			Timeout:   playwright.Float(float64(b.cfg.NavigateTimeout.Milliseconds())),
		})
		errChan <- err
	}()

	// Ждем результат или timeout
	select {
	case <-navCtx.Done():
		return failure.Timing("navigate", fmt.Errorf("navigate timeout after %v", b.cfg.NavigateTimeout))
	case err := <-errChan:
		if err == nil {
			return nil
		}
		if failure.IsTransport(err) {
			return failure.Transport("navigate", err)
		}
		return err
	}
}

func (b *PlaywrightBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if b.context != nil {
		keep(b.context.Close())
	}
	if b.browser != nil {
		keep(b.browser.Close())
	}
	if b.pw != nil {
		keep(b.pw.Stop())
	}

	b.page = nil
	b.context = nil
	b.browser = nil
	b.pw = nil
	return firstErr
}
