// Package extractor читает состояние страницы ленты через JavaScript в браузере
// и разбирает результат в типизированные структуры.
package extractor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// ItemContainer - контейнер одного поста в основной ленте.
const ItemContainer = `[data-e2e="recommend-list-item-container"]`

type ElementInfo struct {
	Tag      string
	Text     string
	Selector string
	Role     string
	Label    string
}

// FeedItem - пост, отрисованный в ленте, как его видит DOM.
type FeedItem struct {
	ID              string
	Href            string
	CreatorUniqueID string
	AudioID         string
	Tags            []string
	Liked           bool
	Following       bool
}

// OverlayElements возвращает видимые интерактивные элементы внутри открытых диалогов и баннеров.
func OverlayElements(ctx context.Context, page playwright.Page) ([]ElementInfo, error) {
	jsCode := `
		() => {
			const containers = document.querySelectorAll(
				'[role=dialog], [aria-modal=true], [class*=modal], [class*=Modal], [class*=popup], [class*=banner]');
			const interactive = 'button, a, [role=button], [aria-label], svg[class*=close], [class*=close]';
			const seen = new Set();
			const elements = [];

			containers.forEach(container => {
				container.querySelectorAll(interactive).forEach(el => {
					if (seen.has(el)) return;
					seen.add(el);

					const rect = el.getBoundingClientRect();
					const style = window.getComputedStyle(el);
					if (style.display === 'none' || style.visibility === 'hidden' ||
						rect.width === 0 || rect.height === 0) return;

					elements.push({
						tag: el.tagName.toLowerCase(),
						text: (el.textContent || '').trim().substring(0, 120),
						selector: buildSelector(el),
						role: el.getAttribute('role') || '',
						label: el.getAttribute('aria-label') || el.getAttribute('title') || ''
					});
				});
			});

			function buildSelector(el) {
				if (el.id) return '#' + el.id;
				if (el.getAttribute('data-e2e')) {
					return '[data-e2e="' + el.getAttribute('data-e2e') + '"]';
				}
				const ariaLabel = el.getAttribute('aria-label');
				if (ariaLabel) {
					return el.tagName.toLowerCase() + '[aria-label="' + ariaLabel + '"]';
				}
				const cls = (typeof el.className === 'string' ? el.className : '')
					.split(' ').filter(c => c);
				if (cls.length > 0) {
					return el.tagName.toLowerCase() + '.' + cls[0];
				}
				return el.tagName.toLowerCase();
			}

			return elements.slice(0, 80);
		}
	`

	result, err := page.Evaluate(jsCode)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения JavaScript: %w", err)
	}

	data, ok := result.([]interface{})
	if !ok {
		return []ElementInfo{}, nil
	}

	elements := make([]ElementInfo, 0, len(data))
	for _, raw := range data {
		elemMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if elem := parseElementInfo(elemMap); elem != nil {
			elements = append(elements, *elem)
		}
	}
	return elements, nil
}

func parseElementInfo(data map[string]interface{}) *ElementInfo {
	elem := &ElementInfo{
		Tag:      stringField(data, "tag"),
		Text:     stringField(data, "text"),
		Selector: stringField(data, "selector"),
		Role:     stringField(data, "role"),
		Label:    stringField(data, "label"),
	}
	if elem.Selector == "" {
		return nil
	}
	return elem
}

// RenderedItems возвращает посты ленты в порядке DOM.
func RenderedItems(ctx context.Context, page playwright.Page) ([]FeedItem, error) {
	jsCode := `
		(container) => Array.from(document.querySelectorAll(container)).map(el => {
			const link = el.querySelector('a[href*="/video/"]');
			const music = el.querySelector('a[href*="/music/"]');
			const like = el.querySelector('[data-e2e="like-icon"]');
			const likeButton = like ? like.closest('button') : null;
			const follow = el.querySelector('[data-e2e="feed-follow"]');
			return {
				href: link ? link.getAttribute('href') : '',
				music: music ? music.getAttribute('href') : '',
				tags: Array.from(el.querySelectorAll('a[href*="/tag/"]')).map(a => a.textContent.trim()),
				liked: !!(likeButton && likeButton.getAttribute('aria-pressed') === 'true'),
				following: !follow || follow.offsetParent === null
			};
		})
	`

	result, err := page.Evaluate(jsCode, ItemContainer)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения ленты: %w", err)
	}

	data, ok := result.([]interface{})
	if !ok {
		return nil, nil
	}

	items := make([]FeedItem, 0, len(data))
	for _, raw := range data {
		itemMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if item, ok := parseFeedItem(itemMap); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// CurrentItemID возвращает id поста, ближайшего к центру окна.
func CurrentItemID(ctx context.Context, page playwright.Page) (string, error) {
	jsCode := `
		(container) => {
			const middle = window.innerHeight / 2;
			let best = null, bestDistance = Infinity;
			document.querySelectorAll(container).forEach(el => {
				const rect = el.getBoundingClientRect();
				const distance = Math.abs(rect.top + rect.height / 2 - middle);
				if (distance < bestDistance) {
					bestDistance = distance;
					best = el;
				}
			});
			if (!best) return '';
			const link = best.querySelector('a[href*="/video/"]');
			return link ? link.getAttribute('href') : '';
		}
	`

	result, err := page.Evaluate(jsCode, ItemContainer)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения текущего поста: %w", err)
	}

	href, _ := result.(string)
	_, id, _ := ParseItemHref(href)
	return id, nil
}

func parseFeedItem(data map[string]interface{}) (FeedItem, bool) {
	href := stringField(data, "href")
	creator, id, ok := ParseItemHref(href)
	if !ok {
		return FeedItem{}, false
	}

	item := FeedItem{
		ID:              id,
		Href:            href,
		CreatorUniqueID: creator,
		AudioID:         trailingID(stringField(data, "music")),
	}
	if liked, ok := data["liked"].(bool); ok {
		item.Liked = liked
	}
	if following, ok := data["following"].(bool); ok {
		item.Following = following
	}
	if tags, ok := data["tags"].([]interface{}); ok {
		for _, t := range tags {
			if tag, ok := t.(string); ok {
				if tag = strings.TrimPrefix(strings.TrimSpace(tag), "#"); tag != "" {
					item.Tags = append(item.Tags, tag)
				}
			}
		}
	}
	return item, true
}

var (
	itemHrefPattern   = regexp.MustCompile(`/@([^/?#]+)/video/(\d+)`)
	trailingIDPattern = regexp.MustCompile(`(\d+)/?(?:[?#].*)?$`)
)

// ParseItemHref извлекает автора и id поста из ссылки вида /@user/video/123.
func ParseItemHref(href string) (creator, id string, ok bool) {
	m := itemHrefPattern.FindStringSubmatch(href)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// trailingID извлекает числовой id в конце ссылки, например /music/name-123.
func trailingID(href string) string {
	if m := trailingIDPattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
