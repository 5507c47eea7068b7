package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedAudit/internal/database"
	"feedAudit/internal/failure"
	"feedAudit/internal/proxy"

	"go.uber.org/zap"
)

var (
	// ErrProxyExhausted - лимит смены адресов исчерпан или свободных адресов нет.
	ErrProxyExhausted = errors.New("не удалось открыть сессию ни через один прокси")
	// ErrAuthenticationFailed - код подтверждения отклонён после всех повторных отправок.
	ErrAuthenticationFailed = errors.New("аутентификация не удалась")

	errDesktopLayout = errors.New("страница не отрисовала десктопную раскладку")
	errTransient     = errors.New("временная ошибка проверки элемента")
)

// State - состояние аутентификации сессии.
type State int

const (
	Unauthenticated State = iota
	VerificationRequested
	Authenticated
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case VerificationRequested:
		return "verification_requested"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ProxyPool - часть менеджера прокси, нужная для смены адреса.
type ProxyPool interface {
	Claim(ctx context.Context, country string, participantID int) (proxy.Address, error)
	Block(ctx context.Context, addr proxy.Address) error
}

// StateStore сохраняет cookies участника между запусками.
type StateStore interface {
	SaveSessionState(ctx context.Context, participantID int, cookies []database.Cookie) error
	LoadSessionState(ctx context.Context, participantID int) ([]database.Cookie, error)
}

// CodeSource выдаёт свежие коды подтверждения.
type CodeSource interface {
	LatestCode(ctx context.Context, participantID int) (string, error)
	Accept(ctx context.Context, participantID int, code string) error
}

type SessionConfig struct {
	BaseURL           string
	Country           string
	ProxyUser         string
	ProxyPassword     string
	MaxProxyRotations int
	MaxLayoutRestarts int
	ChallengeTimeout  time.Duration
	ResendTimeout     time.Duration
	MaxResends        int
	ReuseCookies      bool
	ProbeAttempts     int
	ProbeDelay        time.Duration
	Selectors         Selectors
}

func (c *SessionConfig) defaults() {
	if c.MaxProxyRotations <= 0 {
		c.MaxProxyRotations = 5
	}
	if c.MaxLayoutRestarts <= 0 {
		c.MaxLayoutRestarts = 3
	}
	if c.ChallengeTimeout == 0 {
		c.ChallengeTimeout = 200 * time.Second
	}
	if c.ResendTimeout == 0 {
		c.ResendTimeout = 90 * time.Second
	}
	if c.MaxResends <= 0 {
		c.MaxResends = 3
	}
	if c.ProbeAttempts <= 0 {
		c.ProbeAttempts = 3
	}
	if c.ProbeDelay == 0 {
		c.ProbeDelay = 500 * time.Millisecond
	}
	if c.Selectors == (Selectors{}) {
		c.Selectors = DefaultSelectors()
	}
}

// Session владеет одним драйвером браузера на всё время сессии участника.
type Session struct {
	driver        Driver
	proxies       ProxyPool
	states        StateStore
	codes         CodeSource
	detector      PopupDetector
	cfg           SessionConfig
	participantID int
	log           *zap.Logger

	state   State
	address proxy.Address
	locale  string
}

func NewSession(driver Driver, proxies ProxyPool, states StateStore, codes CodeSource, participantID int, cfg SessionConfig, log *zap.Logger) *Session {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		driver:        driver,
		proxies:       proxies,
		states:        states,
		codes:         codes,
		cfg:           cfg,
		participantID: participantID,
		log:           log.With(zap.Int("participant_id", participantID)),
	}
}

// WithDetector подключает классификатор всплывающих окон для DismissInterstitials.
func (s *Session) WithDetector(d PopupDetector) *Session {
	s.detector = d
	return s
}

func (s *Session) State() State { return s.state }

// Address - адрес прокси, через который открыта сессия.
func (s *Session) Address() proxy.Address { return s.address }

// Open запускает браузер через addr. При отказе транспорта адрес блокируется и
// сессия повторяется через новый адрес той же страны, не больше MaxProxyRotations раз.
// Возвращает адрес, который удерживает сессия; нулевой адрес означает, что удерживаемых адресов нет.
func (s *Session) Open(ctx context.Context, addr proxy.Address, locale string) (proxy.Address, error) {
	s.locale = locale
	country := s.cfg.Country
	if country == "" {
		country = addr.Country
	}

	for rotation := 0; ; rotation++ {
		log := s.log.With(zap.String("proxy", addr.String()), zap.Int("rotation", rotation))

		err := s.start(ctx, addr)
		if err == nil {
			s.address = addr
			s.state = Unauthenticated
			log.Info("Сессия открыта")
			return addr, nil
		}

		if closeErr := s.driver.Close(); closeErr != nil {
			log.Debug("Ошибка закрытия браузера", zap.Error(closeErr))
		}

		if !failure.IsTransport(err) {
			return addr, err
		}

		log.Warn("Прокси недоступен, адрес блокируется", zap.Error(err))
		if blockErr := s.proxies.Block(ctx, addr); blockErr != nil {
			return addr, blockErr
		}

		if rotation+1 >= s.cfg.MaxProxyRotations {
			return proxy.Address{}, failure.Transport("open session", fmt.Errorf("%w после %d смен: %w", ErrProxyExhausted, rotation+1, err))
		}

		next, claimErr := s.proxies.Claim(ctx, country, s.participantID)
		if claimErr != nil {
			if errors.Is(claimErr, proxy.ErrNoneAvailable) {
				return proxy.Address{}, failure.Transport("open session", fmt.Errorf("%w: %w", ErrProxyExhausted, claimErr))
			}
			return proxy.Address{}, claimErr
		}
		addr = next
	}
}

// start запускает драйвер и доводит страницу до ленты с десктопной раскладкой.
func (s *Session) start(ctx context.Context, addr proxy.Address) error {
	sel := s.cfg.Selectors
	opts := LaunchOptions{
		Proxy:         addr,
		ProxyUser:     s.cfg.ProxyUser,
		ProxyPassword: s.cfg.ProxyPassword,
		Locale:        s.locale,
	}

	for restart := 0; ; restart++ {
		if err := s.driver.Launch(ctx, opts); err != nil {
			return fmt.Errorf("запуск браузера: %w", err)
		}
		if s.cfg.ReuseCookies {
			s.restoreCookies(ctx)
		}
		if err := s.driver.Navigate(ctx, s.cfg.BaseURL); err != nil {
			return err
		}

		layout, err := s.probe(ctx, sel.DesktopLayout)
		if layout == Found {
			break
		}
		if restart >= s.cfg.MaxLayoutRestarts {
			return failure.Timing("desktop layout", errDesktopLayout)
		}

		s.log.Warn("Нет десктопной раскладки, перезапуск браузера", zap.Int("restart", restart+1), zap.Error(err))
		if err := s.driver.Close(); err != nil {
			s.log.Debug("Ошибка закрытия браузера", zap.Error(err))
		}
	}

	// Платформа иногда показывает проверку сразу после загрузки
	if overlay, _ := s.probe(ctx, sel.VerifyOverlay); overlay == Found {
		s.log.Info("Ожидание исчезновения проверки", zap.Duration("timeout", s.cfg.ChallengeTimeout))
		if err := s.driver.WaitHidden(ctx, sel.VerifyOverlay, s.cfg.ChallengeTimeout); err != nil {
			return fmt.Errorf("проверка не исчезла: %w", err)
		}
	}
	return nil
}

func (s *Session) restoreCookies(ctx context.Context) {
	cookies, err := s.states.LoadSessionState(ctx, s.participantID)
	if err != nil {
		s.log.Warn("Не удалось загрузить cookies", zap.Error(err))
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := s.driver.AddCookies(ctx, cookies); err != nil {
		s.log.Warn("Не удалось восстановить cookies", zap.Error(err))
		return
	}
	s.log.Debug("Cookies восстановлены", zap.Int("count", len(cookies)))
}

// probe повторяет проверку, пока драйвер отвечает временной ошибкой.
func (s *Session) probe(ctx context.Context, selector string) (Presence, error) {
	presence := Transient
	err := failure.Retry(ctx, s.cfg.ProbeAttempts, s.cfg.ProbeDelay, func() error {
		p, err := s.driver.Probe(ctx, selector)
		presence = p
		if p != Transient {
			return nil
		}
		if err == nil {
			err = errTransient
		}
		return err
	})
	return presence, err
}

// Teardown сохраняет cookies участника и закрывает браузер.
// Ошибка получения или сохранения cookies фатальна для запуска.
func (s *Session) Teardown(ctx context.Context) ([]database.Cookie, error) {
	if s.state == Closed {
		return nil, nil
	}
	defer func() { s.state = Closed }()

	cookies, err := s.driver.Cookies(ctx)
	if err != nil {
		s.closeDriver()
		return nil, fmt.Errorf("не удалось получить cookies: %w", err)
	}

	if err := s.states.SaveSessionState(ctx, s.participantID, cookies); err != nil {
		s.closeDriver()
		return nil, fmt.Errorf("не удалось сохранить cookies: %w", err)
	}

	s.closeDriver()
	s.log.Info("Сессия закрыта", zap.Int("cookies", len(cookies)))
	return cookies, nil
}

func (s *Session) closeDriver() {
	if err := s.driver.Close(); err != nil {
		s.log.Warn("Ошибка закрытия браузера", zap.Error(err))
	}
}
