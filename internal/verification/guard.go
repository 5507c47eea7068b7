// Package verification получает код подтверждения из внешнего источника SMS
// и отсекает устаревшие коды.
package verification

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"feedAudit/internal/failure"
	"feedAudit/internal/sanitizer"

	"go.uber.org/zap"
)

var (
	// ErrResendRequired - сообщение пришло, но кода в нём нет. Нужно запросить код повторно.
	ErrResendRequired = errors.New("код не найден, требуется повторная отправка")
	// ErrCodeUnavailable - свежий код не появился за отведённое число опросов.
	ErrCodeUnavailable = errors.New("свежий код подтверждения не получен")

	errNoMessage = errors.New("сообщений ещё нет")
	errStaleCode = errors.New("код уже выдавался")
)

// MessageSource - внешний источник последнего SMS для номера.
// Пустая строка означает, что сообщений ещё нет.
type MessageSource interface {
	LatestMessage(ctx context.Context, phone string) (string, error)
}

// CodeStore хранит последний выданный код участника.
type CodeStore interface {
	PreviousCode(ctx context.Context, participantID int) (string, error)
	SaveCode(ctx context.Context, participantID int, code string) error
}

type Options struct {
	PollInterval time.Duration
	MaxPollDelay time.Duration
	MaxPolls     int
}

// Guard опрашивает источник и возвращает только свежие коды.
type Guard struct {
	source MessageSource
	store  CodeStore
	phone  string
	opts   Options
	log    *zap.Logger
	clean  *sanitizer.DataSanitizer
}

func NewGuard(source MessageSource, store CodeStore, phone string, opts Options, log *zap.Logger) *Guard {
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = 12
	}
	if opts.MaxPollDelay == 0 {
		opts.MaxPollDelay = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{source: source, store: store, phone: phone, opts: opts, log: log, clean: sanitizer.New()}
}

// LatestCode ждёт код, отличный от последнего выданного. Выданный код запоминается сразу
// и больше не возвращается, даже если платформа его отклонила.
func (g *Guard) LatestCode(ctx context.Context, participantID int) (string, error) {
	prev, err := g.store.PreviousCode(ctx, participantID)
	if err != nil {
		return "", err
	}

	log := g.log.With(zap.Int("participant_id", participantID), zap.String("phone", g.clean.Sanitize(g.phone)))

	var code string
	poll := 0
	err = failure.RetryWithBackoff(ctx, g.opts.MaxPolls, g.opts.PollInterval, g.opts.MaxPollDelay, func() error {
		poll++
		msg, err := g.source.LatestMessage(ctx, g.phone)
		if err != nil {
			log.Warn("Не удалось получить SMS", zap.Int("poll", poll), zap.Error(err))
			return err
		}
		if strings.TrimSpace(msg) == "" {
			return errNoMessage
		}

		parsed, ok := ParseCode(msg)
		if !ok {
			log.Warn("В SMS нет кода", zap.Int("poll", poll))
			return failure.Permanent(ErrResendRequired)
		}
		if parsed == prev {
			log.Debug("Код уже выдавался, ждём новый", zap.Int("poll", poll))
			return errStaleCode
		}
		code = parsed
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrResendRequired):
		return "", failure.Verification("parse code", ErrResendRequired)
	case ctx.Err() != nil:
		return "", ctx.Err()
	default:
		log.Warn("Свежий код не получен", zap.Int("polls", poll), zap.Error(err))
		return "", failure.Verification("poll code", ErrCodeUnavailable)
	}

	if err := g.store.SaveCode(ctx, participantID, code); err != nil {
		return "", failure.Datastore("save code", err)
	}
	log.Info("Получен код подтверждения", zap.Int("poll", poll))
	return code, nil
}

// Accept запоминает код, принятый платформой.
func (g *Guard) Accept(ctx context.Context, participantID int, code string) error {
	return g.store.SaveCode(ctx, participantID, code)
}

var (
	useAsPattern = regexp.MustCompile(`(?i)\buse\s+(\d{4,6})\s+as\b`)
	codePattern  = regexp.MustCompile(`\b(\d{4,6})\b`)
)

// ParseCode извлекает код из текста SMS. Сначала ищет форму "use 1234 as", затем первую группу из 4-6 цифр.
func ParseCode(msg string) (string, bool) {
	if m := useAsPattern.FindStringSubmatch(msg); m != nil {
		return m[1], true
	}
	if m := codePattern.FindStringSubmatch(msg); m != nil {
		return m[1], true
	}
	return "", false
}
