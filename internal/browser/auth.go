package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedAudit/internal/failure"
	"feedAudit/internal/verification"

	"go.uber.org/zap"
)

var errSessionClosed = errors.New("сессия уже закрыта")

// Credentials - данные входа участника по телефону.
type Credentials struct {
	Phone       string
	PhonePrefix string // Подпись пункта списка префиксов, например "United States +1"
}

type AuthResult int

const (
	AuthAuthenticated AuthResult = iota
	// AuthVerificationPending - код запрошен, но свежий код так и не пришёл.
	AuthVerificationPending
)

func (r AuthResult) String() string {
	if r == AuthVerificationPending {
		return "verification_pending"
	}
	return "authenticated"
}

// Authenticate проводит вход по номеру телефона и коду подтверждения.
// Отклонённый код приводит к повторной отправке, не больше MaxResends раз.
// Повторный вызов из VerificationRequested продолжает опрос кода без нового запроса.
func (s *Session) Authenticate(ctx context.Context, creds Credentials) (AuthResult, error) {
	switch s.state {
	case Authenticated:
		return AuthAuthenticated, nil
	case Closed:
		return 0, failure.Contract("authenticate", errSessionClosed)
	}

	texts := TextsFor(s.locale)

	if s.state == Unauthenticated {
		if err := s.requestCode(ctx, creds, texts); err != nil {
			return 0, fmt.Errorf("запрос кода: %w", err)
		}
		s.state = VerificationRequested
		s.log.Info("Код подтверждения запрошен")
	}

	for attempt := 0; attempt <= s.cfg.MaxResends; attempt++ {
		if attempt > 0 {
			if err := s.resend(ctx, texts); err != nil {
				return 0, fmt.Errorf("повторная отправка кода: %w", err)
			}
		}

		code, err := s.codes.LatestCode(ctx, s.participantID)
		switch {
		case errors.Is(err, verification.ErrCodeUnavailable):
			s.log.Warn("Код подтверждения не получен")
			return AuthVerificationPending, nil
		case errors.Is(err, verification.ErrResendRequired):
			s.log.Warn("В сообщении нет кода, повторная отправка", zap.Int("attempt", attempt+1))
			continue
		case err != nil:
			return 0, err
		}

		accepted, err := s.submitCode(ctx, code, texts)
		if err != nil {
			return 0, fmt.Errorf("ввод кода: %w", err)
		}
		if !accepted {
			s.log.Warn("Код отклонён, повторная отправка", zap.Int("attempt", attempt+1))
			continue
		}

		if err := s.codes.Accept(ctx, s.participantID, code); err != nil {
			return 0, err
		}
		s.state = Authenticated
		s.log.Info("Вход выполнен")
		return AuthAuthenticated, nil
	}

	return 0, failure.Verification("authenticate", fmt.Errorf("%w после %d повторных отправок", ErrAuthenticationFailed, s.cfg.MaxResends))
}

func (s *Session) requestCode(ctx context.Context, creds Credentials, texts LoginTexts) error {
	sel := s.cfg.Selectors

	if err := s.step(ctx, func() error {
		return s.driver.Click(ctx, withText(sel.LoginButton, texts.LoginButton))
	}); err != nil {
		return err
	}
	if err := s.step(ctx, func() error {
		return s.driver.Click(ctx, withText(sel.PhoneOption, texts.PhoneOption))
	}); err != nil {
		return err
	}

	if creds.PhonePrefix != "" {
		if err := s.step(ctx, func() error {
			return s.driver.Click(ctx, sel.PrefixDropdown)
		}); err != nil {
			return err
		}
		if err := s.step(ctx, func() error {
			return s.driver.Click(ctx, withText(sel.PrefixItem, creds.PhonePrefix))
		}); err != nil {
			return err
		}
	}

	if err := s.step(ctx, func() error {
		return s.driver.Type(ctx, withText(sel.PhoneInput, texts.PhonePlaceholder), creds.Phone)
	}); err != nil {
		return err
	}
	if err := s.step(ctx, func() error {
		return s.driver.Click(ctx, withText(sel.SendCode, texts.SendCode))
	}); err != nil {
		return err
	}

	return s.waitChallenge(ctx)
}

// waitChallenge ждёт, пока участник пройдёт проверку после отправки номера.
func (s *Session) waitChallenge(ctx context.Context) error {
	sel := s.cfg.Selectors.LoginChallenge
	if p, _ := s.probe(ctx, sel); p != Found {
		return nil
	}
	s.log.Info("Ожидание прохождения проверки", zap.Duration("timeout", s.cfg.ChallengeTimeout))
	if err := s.driver.WaitHidden(ctx, sel, s.cfg.ChallengeTimeout); err != nil {
		return fmt.Errorf("проверка не пройдена за %v: %w", s.cfg.ChallengeTimeout, err)
	}
	return nil
}

// submitCode вводит код и сообщает, принят ли он.
func (s *Session) submitCode(ctx context.Context, code string, texts LoginTexts) (bool, error) {
	sel := s.cfg.Selectors

	if err := s.step(ctx, func() error {
		return s.driver.Type(ctx, withText(sel.CodeInput, texts.CodePlaceholder), code)
	}); err != nil {
		return false, err
	}
	if err := s.step(ctx, func() error {
		return s.driver.Click(ctx, sel.SubmitCode)
	}); err != nil {
		return false, err
	}

	// Сообщение об ошибке появляется не сразу
	if err := failure.Sleep(ctx, s.cfg.ProbeDelay); err != nil {
		return false, err
	}

	p, err := s.probe(ctx, sel.CodeError)
	if p == Transient {
		s.log.Warn("Не удалось проверить результат ввода кода", zap.Error(err))
		return false, nil
	}
	return p == NotFound, nil
}

// resend ждёт, пока кнопка повторной отправки станет активной, и нажимает её.
func (s *Session) resend(ctx context.Context, texts LoginTexts) error {
	selector := withText(s.cfg.Selectors.ResendCode, texts.ResendCode)
	deadline := time.Now().Add(s.cfg.ResendTimeout)

	for {
		enabled, err := s.driver.IsEnabled(ctx, selector)
		if err == nil && enabled {
			break
		}
		if time.Now().After(deadline) {
			return failure.Timing("resend", fmt.Errorf("кнопка повторной отправки неактивна %v", s.cfg.ResendTimeout))
		}
		if err := failure.Sleep(ctx, s.cfg.ProbeDelay); err != nil {
			return err
		}
	}

	if err := s.driver.Click(ctx, selector); err != nil {
		return err
	}
	return s.waitChallenge(ctx)
}

// step повторяет действие, пока оно падает по таймингу; остальные ошибки не повторяются.
func (s *Session) step(ctx context.Context, fn func() error) error {
	return failure.Retry(ctx, s.cfg.ProbeAttempts, s.cfg.ProbeDelay, func() error {
		err := fn()
		if err != nil && failure.CategoryOf(err) != failure.CategoryTiming {
			return failure.Permanent(err)
		}
		return err
	})
}
