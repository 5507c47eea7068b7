package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/proxy"

	"github.com/playwright-community/playwright-go"
)

var errNotLaunched = errors.New("браузер не запущен")

// Presence - результат проверки элемента вместо исключения "не найден".
type Presence int

const (
	NotFound Presence = iota
	Found
	// Transient - проверка не удалась из-за временной ошибки драйвера.
	Transient
)

func (p Presence) String() string {
	switch p {
	case Found:
		return "found"
	case NotFound:
		return "not_found"
	default:
		return "transient"
	}
}

// Response - перехваченный сетевой ответ страницы.
type Response interface {
	URL() string
	Status() int
	Body() ([]byte, error)
}

type LaunchOptions struct {
	Proxy         proxy.Address
	ProxyUser     string
	ProxyPassword string
	Locale        string
}

// Driver - операции браузера, нужные менеджеру сессии.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) error
	Navigate(ctx context.Context, url string) error
	Probe(ctx context.Context, selector string) (Presence, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	IsEnabled(ctx context.Context, selector string) (bool, error)
	WaitHidden(ctx context.Context, selector string, timeout time.Duration) error
	Cookies(ctx context.Context) ([]database.Cookie, error)
	AddCookies(ctx context.Context, cookies []database.Cookie) error
	OverlaySnapshot(ctx context.Context) (*PageSnapshot, error)
	Close() error
}

var _ Driver = (*PlaywrightBrowser)(nil)

type PageSnapshot struct {
	URL      string
	Elements []ElementInfo
}

type ElementInfo struct {
	Tag      string `json:"tag"`
	Text     string `json:"text"`
	Selector string `json:"selector"`
	Role     string `json:"role,omitempty"`
	Label    string `json:"label,omitempty"`
}

type PlaywrightBrowser struct {
	mu      sync.RWMutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	cfg     Config
	onResp  []func(Response)
}

type Config struct {
	Headless        bool
	UserDataDir     string
	BrowsersPath    string
	Display         string
	Engine          string
	Timeout         time.Duration
	NavigateTimeout time.Duration
	ActionTimeout   time.Duration
	MinKeyDelay     time.Duration // Пауза между нажатиями при вводе
	MaxKeyDelay     time.Duration
	ExtraArgs       []string // Дополнительные аргументы запуска браузера
}
