package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedAudit/internal/extractor"
	"feedAudit/internal/failure"

	"github.com/playwright-community/playwright-go"
)

var errNoPage = errors.New("страница ленты недоступна")

// PlaywrightFeed реализует Feed поверх основной вкладки браузера.
// Страница запрашивается при каждом вызове, потому что браузер может быть перезапущен.
type PlaywrightFeed struct {
	page    func() playwright.Page
	timeout time.Duration
}

func NewPlaywrightFeed(page func() playwright.Page, timeout time.Duration) *PlaywrightFeed {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &PlaywrightFeed{page: page, timeout: timeout}
}

func itemSelector(itemID string) string {
	return fmt.Sprintf(`%s:has(a[href*="/video/%s"])`, extractor.ItemContainer, itemID)
}

func (f *PlaywrightFeed) current() (playwright.Page, error) {
	page := f.page()
	if page == nil {
		return nil, errNoPage
	}
	return page, nil
}

func (f *PlaywrightFeed) RenderedItems(ctx context.Context) ([]Item, error) {
	page, err := f.current()
	if err != nil {
		return nil, err
	}

	rendered, err := extractor.RenderedItems(ctx, page)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(rendered))
	for _, r := range rendered {
		items = append(items, Item{
			ID:              r.ID,
			CreatorUniqueID: r.CreatorUniqueID,
			AudioID:         r.AudioID,
			Tags:            r.Tags,
		})
	}
	return items, nil
}

func (f *PlaywrightFeed) CurrentItemID(ctx context.Context) (string, error) {
	page, err := f.current()
	if err != nil {
		return "", err
	}
	return extractor.CurrentItemID(ctx, page)
}

func (f *PlaywrightFeed) ScrollTo(ctx context.Context, itemID string) error {
	page, err := f.current()
	if err != nil {
		return err
	}

	container := page.Locator(itemSelector(itemID)).First()
	_, err = container.Evaluate(`el => {
		el.scrollIntoView({
			behavior: 'auto',
			block: 'center',
			inline: 'center'
		});
	}`, nil, playwright.LocatorEvaluateOptions{Timeout: f.ms()})
	return f.wrap("scroll to "+itemID, err)
}

func (f *PlaywrightFeed) LoadMore(ctx context.Context) error {
	page, err := f.current()
	if err != nil {
		return err
	}

	_, err = page.Evaluate(`(container) => {
		const items = document.querySelectorAll(container);
		if (items.length > 0) {
			items[items.length - 1].scrollIntoView({ behavior: 'auto', block: 'start' });
		}
		window.scrollBy({ top: window.innerHeight, left: 0, behavior: 'smooth' });
	}`, extractor.ItemContainer)
	return f.wrap("load more", err)
}

func (f *PlaywrightFeed) Like(ctx context.Context, itemID string) error {
	return f.click(itemSelector(itemID) + ` [data-e2e="like-icon"]`)
}

func (f *PlaywrightFeed) IsLiked(ctx context.Context, itemID string) (bool, error) {
	return f.state(itemID, `el => {
		const icon = el.querySelector('[data-e2e="like-icon"]');
		const button = icon ? icon.closest('button') : null;
		return !!(button && button.getAttribute('aria-pressed') === 'true');
	}`)
}

func (f *PlaywrightFeed) Follow(ctx context.Context, itemID string) error {
	return f.click(itemSelector(itemID) + ` [data-e2e="feed-follow"]`)
}

func (f *PlaywrightFeed) IsFollowing(ctx context.Context, itemID string) (bool, error) {
	return f.state(itemID, `el => {
		const follow = el.querySelector('[data-e2e="feed-follow"]');
		return !follow || follow.offsetParent === null;
	}`)
}

func (f *PlaywrightFeed) click(selector string) error {
	page, err := f.current()
	if err != nil {
		return err
	}
	err = page.Locator(selector).First().Click(playwright.LocatorClickOptions{Timeout: f.ms()})
	return f.wrap("click "+selector, err)
}

func (f *PlaywrightFeed) state(itemID, script string) (bool, error) {
	page, err := f.current()
	if err != nil {
		return false, err
	}

	result, err := page.Locator(itemSelector(itemID)).First().Evaluate(script, nil,
		playwright.LocatorEvaluateOptions{Timeout: f.ms()})
	if err != nil {
		return false, f.wrap("state "+itemID, err)
	}
	state, _ := result.(bool)
	return state, nil
}

func (f *PlaywrightFeed) ms() *float64 {
	return playwright.Float(float64(f.timeout.Milliseconds()))
}

func (f *PlaywrightFeed) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return failure.Timing(op, err)
	case failure.IsTransport(err):
		return failure.Transport(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ Feed = (*PlaywrightFeed)(nil)
