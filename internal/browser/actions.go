package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"feedAudit/internal/extractor"
	"feedAudit/internal/failure"

	"github.com/playwright-community/playwright-go"
)

// Probe проверяет, виден ли элемент. Ошибка драйвера возвращается как Transient, а не как исключение.
func (b *PlaywrightBrowser) Probe(ctx context.Context, selector string) (Presence, error) {
	page := b.getPage()
	if page == nil {
		return Transient, errNotLaunched
	}

	element, err := page.QuerySelector(selector)
	if err != nil {
		return Transient, err
	}
	if element == nil {
		return NotFound, nil
	}

	visible, err := element.IsVisible()
	if err != nil {
		return Transient, err
	}
	if !visible {
		return NotFound, nil
	}
	return Found, nil
}

func (b *PlaywrightBrowser) Click(ctx context.Context, selector string) error {
	page := b.getPage()
	if page == nil {
		return errNotLaunched
	}

	err := page.Locator(selector).First().Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(b.cfg.ActionTimeout.Milliseconds())),
	})
	return b.classify("click "+selector, err)
}

// Type вводит текст посимвольно со случайной паузой между нажатиями.
func (b *PlaywrightBrowser) Type(ctx context.Context, selector, text string) error {
	page := b.getPage()
	if page == nil {
		return errNotLaunched
	}

	field := page.Locator(selector).First()
	if err := field.Clear(); err != nil {
		return b.classify("clear "+selector, err)
	}

	for _, r := range text {
		if err := field.PressSequentially(string(r)); err != nil {
			return b.classify("type "+selector, err)
		}
		if err := failure.Sleep(ctx, b.keyDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (b *PlaywrightBrowser) keyDelay() time.Duration {
	spread := b.cfg.MaxKeyDelay - b.cfg.MinKeyDelay
	if spread <= 0 {
		return b.cfg.MinKeyDelay
	}
	return b.cfg.MinKeyDelay + rand.N(spread)
}

func (b *PlaywrightBrowser) IsEnabled(ctx context.Context, selector string) (bool, error) {
	page := b.getPage()
	if page == nil {
		return false, errNotLaunched
	}

	enabled, err := page.Locator(selector).First().IsEnabled(playwright.LocatorIsEnabledOptions{
		Timeout: playwright.Float(float64(b.cfg.ActionTimeout.Milliseconds())),
	})
	if err != nil {
		return false, b.classify("enabled "+selector, err)
	}
	return enabled, nil
}

// WaitHidden ждёт, пока элемент исчезнет или будет отсоединён от DOM.
func (b *PlaywrightBrowser) WaitHidden(ctx context.Context, selector string, timeout time.Duration) error {
	page := b.getPage()
	if page == nil {
		return errNotLaunched
	}

	err := page.Locator(selector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateHidden,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	return b.classify("wait hidden "+selector, err)
}

// OverlaySnapshot собирает интерактивные элементы открытых диалогов для классификатора.
func (b *PlaywrightBrowser) OverlaySnapshot(ctx context.Context) (*PageSnapshot, error) {
	page := b.getPage()
	if page == nil {
		return nil, errNotLaunched
	}

	elements, err := extractor.OverlayElements(ctx, page)
	if err != nil {
		return nil, fmt.Errorf("ошибка извлечения snapshot: %w", err)
	}

	snapshot := &PageSnapshot{URL: page.URL(), Elements: make([]ElementInfo, 0, len(elements))}
	for _, elem := range elements {
		snapshot.Elements = append(snapshot.Elements, ElementInfo{
			Tag:      elem.Tag,
			Text:     elem.Text,
			Selector: elem.Selector,
			Role:     elem.Role,
			Label:    elem.Label,
		})
	}
	return snapshot, nil
}

// FetchDocument открывает отдельную вкладку того же контекста и возвращает HTML страницы.
// Обработчики ответов основной вкладки на неё не подписываются.
func (b *PlaywrightBrowser) FetchDocument(ctx context.Context, url string) (string, error) {
	b.mu.RLock()
	browserContext := b.context
	b.mu.RUnlock()
	if browserContext == nil {
		return "", errNotLaunched
	}

	tab, err := browserContext.NewPage()
	if err != nil {
		return "", fmt.Errorf("не удалось открыть вкладку: %w", err)
	}
	defer func() { _ = tab.Close() }()

	if _, err := tab.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(b.cfg.NavigateTimeout.Milliseconds())),
	}); err != nil {
		return "", b.classify("fetch "+url, err)
	}

	return tab.Content()
}

// OnResponse подписывает обработчик на ответы основной вкладки, в том числе после перезапуска браузера.
func (b *PlaywrightBrowser) OnResponse(fn func(Response)) {
	b.mu.Lock()
	b.onResp = append(b.onResp, fn)
	page := b.page
	b.mu.Unlock()

	if page != nil {
		attachResponseHandler(page, fn)
	}
}

func attachResponseHandler(page playwright.Page, fn func(Response)) {
	page.OnResponse(func(r playwright.Response) {
		fn(r)
	})
}

func (b *PlaywrightBrowser) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return failure.Timing(op, err)
	case failure.IsTransport(err):
		return failure.Transport(op, err)
	default:
		return err
	}
}
