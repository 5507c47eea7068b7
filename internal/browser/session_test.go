package browser

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"
	"feedAudit/internal/proxy"
	"feedAudit/internal/verification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDriver struct {
	launches    []LaunchOptions
	navigateErr []error
	presence    map[string][]Presence
	clicks      []string
	typed       map[string]string
	typedAll    map[string][]string
	cookies     []database.Cookie
	added       []database.Cookie
	snapshot    *PageSnapshot
	cookiesErr  error
	closed      int
	navigations int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		presence: map[string][]Presence{
			DefaultSelectors().DesktopLayout: {Found},
		},
		typed:    map[string]string{},
		typedAll: map[string][]string{},
	}
}

func (d *fakeDriver) Launch(_ context.Context, opts LaunchOptions) error {
	d.launches = append(d.launches, opts)
	return nil
}

func (d *fakeDriver) Navigate(context.Context, string) error {
	i := d.navigations
	d.navigations++
	if i < len(d.navigateErr) {
		return d.navigateErr[i]
	}
	return nil
}

// Probe выдаёт значения по очереди; последнее значение повторяется.
func (d *fakeDriver) Probe(_ context.Context, selector string) (Presence, error) {
	seq := d.presence[selector]
	switch len(seq) {
	case 0:
		return NotFound, nil
	case 1:
		return seq[0], nil
	default:
		d.presence[selector] = seq[1:]
		return seq[0], nil
	}
}

func (d *fakeDriver) Click(_ context.Context, selector string) error {
	d.clicks = append(d.clicks, selector)
	return nil
}

func (d *fakeDriver) Type(_ context.Context, selector, text string) error {
	d.typed[selector] = text
	d.typedAll[selector] = append(d.typedAll[selector], text)
	return nil
}

func (d *fakeDriver) IsEnabled(context.Context, string) (bool, error) { return true, nil }

func (d *fakeDriver) WaitHidden(context.Context, string, time.Duration) error { return nil }

func (d *fakeDriver) Cookies(context.Context) ([]database.Cookie, error) {
	return d.cookies, d.cookiesErr
}

func (d *fakeDriver) AddCookies(_ context.Context, cookies []database.Cookie) error {
	d.added = append(d.added, cookies...)
	return nil
}

func (d *fakeDriver) OverlaySnapshot(context.Context) (*PageSnapshot, error) {
	if d.snapshot == nil {
		return nil, errors.New("no overlay")
	}
	return d.snapshot, nil
}

func (d *fakeDriver) Close() error {
	d.closed++
	return nil
}

type fakePool struct {
	spare   []proxy.Address
	blocked []proxy.Address
}

func (p *fakePool) Claim(_ context.Context, country string, _ int) (proxy.Address, error) {
	if len(p.spare) == 0 {
		return proxy.Address{}, proxy.ErrNoneAvailable
	}
	next := p.spare[0]
	p.spare = p.spare[1:]
	return next, nil
}

func (p *fakePool) Block(_ context.Context, addr proxy.Address) error {
	p.blocked = append(p.blocked, addr)
	return nil
}

type fakeStates struct {
	saved   map[int][]database.Cookie
	saveErr error
}

func (s *fakeStates) SaveSessionState(_ context.Context, id int, cookies []database.Cookie) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved[id] = cookies
	return nil
}

func (s *fakeStates) LoadSessionState(_ context.Context, id int) ([]database.Cookie, error) {
	return s.saved[id], nil
}

type fakeCodes struct {
	codes    []string
	errs     []error
	calls    int
	accepted []string
}

func (c *fakeCodes) LatestCode(context.Context, int) (string, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return "", c.errs[i]
	}
	if i < len(c.codes) {
		return c.codes[i], nil
	}
	return c.codes[len(c.codes)-1], nil
}

func (c *fakeCodes) Accept(_ context.Context, _ int, code string) error {
	c.accepted = append(c.accepted, code)
	return nil
}

var (
	addrA = proxy.Address{Host: "10.0.0.1", Port: 8000, Country: "US"}
	addrB = proxy.Address{Host: "10.0.0.2", Port: 8000, Country: "US"}
	addrC = proxy.Address{Host: "10.0.0.3", Port: 8000, Country: "US"}
)

type fixture struct {
	driver *fakeDriver
	pool   *fakePool
	states *fakeStates
	codes  *fakeCodes
}

func newSession(t *testing.T, cfg SessionConfig) (*Session, *fixture) {
	t.Helper()
	f := &fixture{
		driver: newFakeDriver(),
		pool:   &fakePool{},
		states: &fakeStates{saved: map[int][]database.Cookie{}},
		codes:  &fakeCodes{codes: []string{"4821"}},
	}
	cfg.BaseURL = "https://feed.test"
	cfg.ProbeDelay = time.Millisecond
	cfg.ProbeAttempts = 2
	return NewSession(f.driver, f.pool, f.states, f.codes, 7, cfg, zap.NewNop()), f
}

func proxyRefused() error {
	return errors.New("page.goto: NS_ERROR_PROXY_CONNECTION_REFUSED")
}

func TestOpenRotatesProxyOnTransportFailure(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.navigateErr = []error{proxyRefused()}
	f.pool.spare = []proxy.Address{addrB}

	addr, err := s.Open(context.Background(), addrA, "en")
	require.NoError(t, err)

	assert.Equal(t, addrB, addr)
	assert.Equal(t, addrB, s.Address())
	assert.Equal(t, []proxy.Address{addrA}, f.pool.blocked)
	require.Len(t, f.driver.launches, 2)
	assert.Equal(t, addrA, f.driver.launches[0].Proxy)
	assert.Equal(t, addrB, f.driver.launches[1].Proxy)
	assert.Equal(t, "en", f.driver.launches[1].Locale)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestOpenGivesUpAfterMaxRotations(t *testing.T) {
	s, f := newSession(t, SessionConfig{MaxProxyRotations: 2})
	f.driver.navigateErr = []error{proxyRefused(), proxyRefused(), proxyRefused()}
	f.pool.spare = []proxy.Address{addrB, addrC}

	addr, err := s.Open(context.Background(), addrA, "en")
	require.Error(t, err)

	assert.True(t, addr.IsZero())
	assert.ErrorIs(t, err, ErrProxyExhausted)
	assert.Equal(t, failure.CategoryTransport, failure.CategoryOf(err))
	assert.Equal(t, []proxy.Address{addrA, addrB}, f.pool.blocked)
	assert.Equal(t, []proxy.Address{addrC}, f.pool.spare)
}

func TestOpenWithoutReplacementAddress(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.navigateErr = []error{proxyRefused()}

	addr, err := s.Open(context.Background(), addrA, "en")
	assert.True(t, addr.IsZero())
	assert.ErrorIs(t, err, ErrProxyExhausted)
	assert.ErrorIs(t, err, proxy.ErrNoneAvailable)
	assert.Equal(t, []proxy.Address{addrA}, f.pool.blocked)
}

func TestOpenDoesNotBlockOnNonTransportFailure(t *testing.T) {
	s, f := newSession(t, SessionConfig{MaxLayoutRestarts: 2})
	f.driver.presence[DefaultSelectors().DesktopLayout] = []Presence{NotFound}

	addr, err := s.Open(context.Background(), addrA, "en")
	require.Error(t, err)

	assert.Equal(t, addrA, addr)
	assert.Equal(t, failure.CategoryTiming, failure.CategoryOf(err))
	assert.Empty(t, f.pool.blocked)
	assert.Len(t, f.driver.launches, 3)
}

func TestOpenRestartsUntilDesktopLayout(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.presence[DefaultSelectors().DesktopLayout] = []Presence{NotFound, Transient, Transient, Found}

	_, err := s.Open(context.Background(), addrA, "en")
	require.NoError(t, err)
	assert.Len(t, f.driver.launches, 3)
}

func TestOpenRestoresCookies(t *testing.T) {
	s, f := newSession(t, SessionConfig{ReuseCookies: true})
	f.states.saved[7] = []database.Cookie{{Name: "sessionid", Value: "x", Domain: ".tiktok.com", Path: "/"}}

	_, err := s.Open(context.Background(), addrA, "en")
	require.NoError(t, err)
	assert.Equal(t, f.states.saved[7], f.driver.added)
}

func TestAuthenticate(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	_, err := s.Open(context.Background(), addrA, "de-DE")
	require.NoError(t, err)

	res, err := s.Authenticate(context.Background(), Credentials{Phone: "5550001111", PhonePrefix: "Deutschland +49"})
	require.NoError(t, err)

	sel := DefaultSelectors()
	texts := TextsFor("de")
	assert.Equal(t, AuthAuthenticated, res)
	assert.Equal(t, Authenticated, s.State())
	assert.Equal(t, []string{"4821"}, f.codes.accepted)
	assert.Equal(t, []string{
		withText(sel.LoginButton, texts.LoginButton),
		withText(sel.PhoneOption, texts.PhoneOption),
		sel.PrefixDropdown,
		withText(sel.PrefixItem, "Deutschland +49"),
		withText(sel.SendCode, texts.SendCode),
		sel.SubmitCode,
	}, f.driver.clicks)
	assert.Equal(t, "5550001111", f.driver.typed[withText(sel.PhoneInput, "Telefonnummer")])
	assert.Equal(t, "4821", f.driver.typed[withText(sel.CodeInput, texts.CodePlaceholder)])

	res, err = s.Authenticate(context.Background(), Credentials{})
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res)
	assert.Equal(t, 1, f.codes.calls)
}

func TestAuthenticateResendsRejectedCode(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.presence[DefaultSelectors().CodeError] = []Presence{Found, NotFound}
	f.codes.codes = []string{"1111", "2222"}

	res, err := s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.NoError(t, err)

	assert.Equal(t, AuthAuthenticated, res)
	assert.Equal(t, []string{"2222"}, f.codes.accepted)
	assert.Contains(t, f.driver.clicks, withText(DefaultSelectors().ResendCode, TextsFor("en").ResendCode))
}

// smsQueue отдаёт сообщения по очереди; последнее повторяется.
type smsQueue struct {
	msgs  []string
	polls int
}

func (q *smsQueue) LatestMessage(context.Context, string) (string, error) {
	i := min(q.polls, len(q.msgs)-1)
	q.polls++
	return q.msgs[i], nil
}

type codeMemory map[int]string

func (m codeMemory) PreviousCode(_ context.Context, id int) (string, error) { return m[id], nil }

func (m codeMemory) SaveCode(_ context.Context, id int, code string) error {
	m[id] = code
	return nil
}

func TestAuthenticateWaitsForFreshCodeAfterRejection(t *testing.T) {
	s, f := newSession(t, SessionConfig{MaxResends: 2})
	f.driver.presence[DefaultSelectors().CodeError] = []Presence{Found, NotFound}
	sms := &smsQueue{msgs: []string{
		"[TikTok] 1111 is your verification code",
		"[TikTok] 1111 is your verification code",
		"[TikTok] 1111 is your verification code",
		"[TikTok] 1111 is your verification code",
		"[TikTok] 2222 is your verification code",
	}}
	s.codes = verification.NewGuard(sms, codeMemory{}, "1", verification.Options{MaxPolls: 5}, zap.NewNop())

	res, err := s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.NoError(t, err)

	assert.Equal(t, AuthAuthenticated, res)
	codeInput := withText(DefaultSelectors().CodeInput, TextsFor("en").CodePlaceholder)
	assert.Equal(t, []string{"1111", "2222"}, f.driver.typedAll[codeInput])
	assert.Equal(t, 5, sms.polls)
}

func TestAuthenticateResendRequired(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.codes.errs = []error{failure.Verification("parse code", verification.ErrResendRequired)}
	f.codes.codes = []string{"", "3333"}

	res, err := s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res)
	assert.Equal(t, []string{"3333"}, f.codes.accepted)
}

func TestAuthenticateFailsAfterMaxResends(t *testing.T) {
	s, f := newSession(t, SessionConfig{MaxResends: 2})
	f.driver.presence[DefaultSelectors().CodeError] = []Presence{Found}

	_, err := s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, failure.CategoryVerification, failure.CategoryOf(err))
	assert.Equal(t, 3, f.codes.calls)
	assert.Empty(t, f.codes.accepted)
}

func TestAuthenticateVerificationPending(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.codes.errs = []error{failure.Verification("poll code", verification.ErrCodeUnavailable)}

	res, err := s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.NoError(t, err)
	assert.Equal(t, AuthVerificationPending, res)
	assert.Equal(t, VerificationRequested, s.State())

	clicks := len(f.driver.clicks)
	res, err = s.Authenticate(context.Background(), Credentials{Phone: "1"})
	require.NoError(t, err)
	assert.Equal(t, AuthAuthenticated, res)
	// Повторный вызов не запрашивает код заново
	assert.Equal(t, clicks+1, len(f.driver.clicks))
}

func TestTeardownPersistsCookies(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.cookies = []database.Cookie{{Name: "sid_tt", Value: "v"}}

	cookies, err := s.Teardown(context.Background())
	require.NoError(t, err)

	assert.Equal(t, f.driver.cookies, cookies)
	assert.Equal(t, f.driver.cookies, f.states.saved[7])
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 1, f.driver.closed)

	cookies, err = s.Teardown(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cookies)
	assert.Equal(t, 1, f.driver.closed)

	_, err = s.Authenticate(context.Background(), Credentials{})
	assert.Equal(t, failure.CategoryContract, failure.CategoryOf(err))
}

func TestTeardownSaveFailureIsFatal(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.states.saveErr = fmt.Errorf("write: %w", database.ErrPersistenceUnavailable)

	_, err := s.Teardown(context.Background())
	assert.ErrorIs(t, err, database.ErrPersistenceUnavailable)
	assert.Equal(t, 1, f.driver.closed)
	assert.Equal(t, Closed, s.State())
}

type fakeDetector struct {
	info *PopupInfo
}

func (d fakeDetector) DetectPopup(context.Context, *PageSnapshot) (*PopupInfo, error) {
	return d.info, nil
}

func TestDismissInterstitials(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	banners := DefaultBanners()
	f.driver.presence[banners[0].Marker] = []Presence{Found}
	f.driver.presence[banners[2].Marker] = []Presence{Found}
	f.driver.presence[banners[3].Marker] = []Presence{Transient}
	f.driver.presence[`button:has-text("Not now")`] = []Presence{Found}
	f.driver.snapshot = &PageSnapshot{Elements: []ElementInfo{{Tag: "button", Text: "Not now"}}}
	s.WithDetector(fakeDetector{info: &PopupInfo{HasPopup: true, CloseSelector: "button: Not now"}})

	n, err := s.DismissInterstitials(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{banners[0].Dismiss, banners[2].Dismiss, `button:has-text("Not now")`}, f.driver.clicks)
}

func TestDismissInterstitialsIgnoresURLSelector(t *testing.T) {
	s, f := newSession(t, SessionConfig{})
	f.driver.snapshot = &PageSnapshot{Elements: []ElementInfo{{Tag: "a"}}}
	s.WithDetector(fakeDetector{info: &PopupInfo{HasPopup: true, CloseSelector: "https://www.tiktok.com/"}})

	n, err := s.DismissInterstitials(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.driver.clicks)
}

func TestNormalizeSelector(t *testing.T) {
	tests := []struct {
		in      string
		out     string
		changed bool
	}{
		{`button:contains("Close")`, `button:has-text("Close")`, true},
		{`div.modal button:contains('Not now')`, `div.modal button:has-text("Not now")`, true},
		{`button: Accept all`, `button:has-text("Accept all")`, true},
		{`[data-e2e="modal-close-inner-button"]`, `[data-e2e="modal-close-inner-button"]`, false},
		{`a:hover`, `a:hover`, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out, changed := NormalizeSelector(tt.in)
			assert.Equal(t, tt.out, out)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestTextsFor(t *testing.T) {
	assert.Equal(t, "Anmelden", TextsFor("de-DE").LoginButton)
	assert.Equal(t, "Connexion", TextsFor("fr").LoginButton)
	assert.Equal(t, "Log in", TextsFor("pt_BR").LoginButton)
}
