package browser

import (
	"context"

	"feedAudit/internal/database"

	"github.com/playwright-community/playwright-go"
)

func (b *PlaywrightBrowser) Cookies(ctx context.Context) ([]database.Cookie, error) {
	b.mu.RLock()
	browserContext := b.context
	b.mu.RUnlock()
	if browserContext == nil {
		return nil, errNotLaunched
	}

	pwCookies, err := browserContext.Cookies()
	if err != nil {
		return nil, err
	}
	return fromPlaywrightCookies(pwCookies), nil
}

func (b *PlaywrightBrowser) AddCookies(ctx context.Context, cookies []database.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	b.mu.RLock()
	browserContext := b.context
	b.mu.RUnlock()
	if browserContext == nil {
		return errNotLaunched
	}

	return browserContext.AddCookies(toPlaywrightCookies(cookies))
}

func fromPlaywrightCookies(pwCookies []playwright.Cookie) []database.Cookie {
	cookies := make([]database.Cookie, len(pwCookies))
	for i, c := range pwCookies {
		cookies[i] = database.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookies[i].SameSite = string(*c.SameSite)
		}
	}
	return cookies
}

func toPlaywrightCookies(cookies []database.Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		// Сессионные cookies передаются без срока
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		if c.SameSite != "" {
			sameSite := playwright.SameSiteAttribute(c.SameSite)
			oc.SameSite = &sameSite
		}
		out = append(out, oc)
	}
	return out
}
