// Package pipeline связывает компоненты в одну сессию участника: прокси, браузер, лента, сверка и сохранение.
// Каждый процесс создаёт все изменяемые зависимости сам и исполняет ровно одну задачу.
package pipeline

import (
	"context"
	"errors"
	"time"

	"feedAudit/internal/browser"
	"feedAudit/internal/capture"
	"feedAudit/internal/config"
	"feedAudit/internal/database"
	"feedAudit/internal/failure"
	"feedAudit/internal/feed"
	"feedAudit/internal/proxy"
	"feedAudit/internal/verification"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Browser - драйвер сессии с перехватом ответов и изолированной вкладкой для резервной загрузки.
type Browser interface {
	browser.Driver
	capture.Fetcher
	OnResponse(fn func(browser.Response))
}

type Proxies interface {
	browser.ProxyPool
	Release(ctx context.Context, addr proxy.Address) error
}

// Runs - метаданные запуска.
type Runs interface {
	RecordAddress(ctx context.Context, runID uint, participantID int, address string) error
	RecordDuration(ctx context.Context, runID uint, participantID int, seconds float64) error
	RecordFailure(ctx context.Context, runID uint, participantID int, cause error) error
}

type Store interface {
	browser.StateStore
	feed.Durations
	Flush(ctx context.Context, batch database.FlushBatch) error
}

type Deps struct {
	Browser  Browser
	Feed     feed.Feed
	Proxies  Proxies
	Runs     Runs
	Store    Store
	Codes    browser.CodeSource
	Detector browser.PopupDetector // Необязателен
}

type Options struct {
	Session             browser.SessionConfig
	Engine              feed.Config
	Reconcile           capture.ReconcilerConfig
	FeedURLPattern      string
	CaptureWait         time.Duration
	CollectInitialItems bool // Позиционировать посты, отрисованные до первой пачки
}

func OptionsFrom(cfg *config.Cfg) Options {
	return Options{
		Session: browser.SessionConfig{
			BaseURL:           cfg.Browser.BaseURL,
			ProxyUser:         cfg.Proxy.Username,
			ProxyPassword:     cfg.Proxy.Password,
			MaxProxyRotations: cfg.Browser.MaxProxyRotations,
			MaxLayoutRestarts: cfg.Browser.MaxLayoutRestarts,
			ChallengeTimeout:  cfg.Browser.ChallengeTimeout,
			MaxResends:        cfg.Verification.MaxResends,
			ReuseCookies:      cfg.Session.ReuseCookies,
		},
		Reconcile:           capture.ReconcilerConfig{BaseURL: cfg.Browser.BaseURL},
		FeedURLPattern:      cfg.Browser.FeedURLPattern,
		CaptureWait:         cfg.Browser.CaptureWait,
		CollectInitialItems: cfg.Session.CollectInitialItems,
	}
}

// Task - сессия одного участника в рамках запуска.
type Task struct {
	RunID       uint
	Batches     int
	Participant config.ParticipantPlan
}

// Report - итог сессии.
type Report struct {
	SessionID   string
	Address     proxy.Address
	Batches     []feed.BatchReport
	Items       int
	Actions     int
	Unconfirmed int
	Uncaptured  int
	Duration    time.Duration
}

type Runner struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

func NewRunner(deps Deps, opts Options, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{deps: deps, opts: opts, log: log, now: time.Now}
}

// Run исполняет задачу. Фатальная ошибка записывается в строку запуска, длительность остаётся пустой.
func (r *Runner) Run(ctx context.Context, task Task) (Report, error) {
	p := task.Participant
	report := Report{SessionID: uuid.NewString()}
	log := r.log.With(
		zap.Uint("run_id", task.RunID),
		zap.Int("participant_id", p.ID),
		zap.String("session_id", report.SessionID),
	)
	started := r.now()
	log.Info("Сессия начата", zap.String("country", p.Country), zap.String("locale", p.Locale), zap.Int("batches", task.Batches))

	if err := r.run(ctx, log, task, &report); err != nil {
		log.Error("Сессия завершилась с ошибкой",
			zap.String("category", failure.CategoryOf(err).String()),
			zap.Error(err),
		)
		if recErr := r.deps.Runs.RecordFailure(context.WithoutCancel(ctx), task.RunID, p.ID, err); recErr != nil {
			log.Error("Не удалось записать ошибку запуска", zap.Error(recErr))
		}
		return report, err
	}

	report.Duration = r.now().Sub(started)
	if err := r.deps.Runs.RecordDuration(ctx, task.RunID, p.ID, report.Duration.Seconds()); err != nil {
		return report, err
	}

	log.Info("Сессия завершена",
		zap.Duration("duration", report.Duration),
		zap.Int("items", report.Items),
		zap.Int("actions", report.Actions),
		zap.Int("unconfirmed", report.Unconfirmed),
		zap.Int("uncaptured", report.Uncaptured),
	)
	return report, nil
}

func (r *Runner) run(ctx context.Context, log *zap.Logger, task Task, report *Report) error {
	p := task.Participant
	if err := feed.PolicyFrom(p.Policy).Validate(task.Batches); err != nil {
		return err
	}

	held, err := r.deps.Proxies.Claim(ctx, p.Country, p.ID)
	if err != nil {
		return failure.Transport("claim proxy", err)
	}
	defer func() {
		if held.IsZero() {
			return
		}
		if err := r.deps.Proxies.Release(context.WithoutCancel(ctx), held); err != nil {
			log.Warn("Не удалось освободить прокси", zap.String("proxy", held.String()), zap.Error(err))
		}
	}()

	interceptor := capture.NewInterceptor(r.opts.FeedURLPattern, r.opts.CaptureWait, log)
	defer interceptor.Close(context.WithoutCancel(ctx))
	r.deps.Browser.OnResponse(interceptor.Handle)

	sessCfg := r.opts.Session
	sessCfg.Country = p.Country
	session := browser.NewSession(r.deps.Browser, r.deps.Proxies, r.deps.Store, r.deps.Codes, p.ID, sessCfg, log)
	if r.deps.Detector != nil {
		session.WithDetector(r.deps.Detector)
	}

	held, err = session.Open(ctx, held, p.Locale)
	if err != nil {
		return err
	}
	report.Address = held

	arena := capture.NewArena(task.RunID, p.ID)
	reconciler := capture.NewReconciler(arena, interceptor, r.deps.Browser, r.opts.Reconcile, log)

	interactErr := r.deps.Runs.RecordAddress(ctx, task.RunID, p.ID, held.String())
	if interactErr == nil {
		interactErr = r.interact(ctx, log, task, session, interceptor, arena, reconciler, report)
	}

	// Cookies сохраняются и после неудачного взаимодействия
	if _, err := session.Teardown(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(interactErr, err)
	}
	if interactErr != nil {
		return interactErr
	}

	batch := reconciler.FlushBatch()
	report.Items = len(batch.Records)
	report.Actions = len(batch.Actions)
	report.Unconfirmed = len(batch.Unconfirmed)
	return r.deps.Store.Flush(ctx, batch)
}

func (r *Runner) interact(ctx context.Context, log *zap.Logger, task Task, session *browser.Session,
	interceptor *capture.Interceptor, arena *capture.Arena, reconciler *capture.Reconciler, report *Report) error {
	p := task.Participant

	if p.Login {
		res, err := session.Authenticate(ctx, browser.Credentials{Phone: p.Phone, PhonePrefix: p.PhonePrefix})
		if err != nil {
			return err
		}
		if res == browser.AuthVerificationPending {
			return failure.Verification("authenticate", verification.ErrCodeUnavailable)
		}
	}

	if n, err := session.DismissInterstitials(ctx); err != nil {
		log.Warn("Не все баннеры закрыты", zap.Error(err))
	} else if n > 0 {
		log.Debug("Баннеры закрыты", zap.Int("count", n))
	}

	engCfg := r.opts.Engine
	engCfg.RunID = task.RunID
	engCfg.ParticipantID = p.ID
	engCfg.AfterBatch = func(ctx context.Context, batch feed.BatchReport) {
		res := reconciler.Finalize(ctx)
		report.Uncaptured += len(res.Uncaptured)
		log.Info("Пачка сверена",
			zap.Int("batch", batch.Batch),
			zap.Int("finalized", len(res.Finalized)),
			zap.Int("uncaptured", len(res.Uncaptured)),
			zap.Int("unverified", batch.Unverified),
		)
	}
	engine := feed.NewEngine(r.deps.Feed, reconciler, r.deps.Store, arena, engCfg, log)

	if !r.opts.CollectInitialItems {
		initial, err := r.deps.Feed.RenderedItems(ctx)
		if err != nil {
			log.Warn("Не удалось прочитать начальные посты", zap.Error(err))
		}
		ids := make([]string, 0, len(initial))
		for _, item := range initial {
			ids = append(ids, item.ID)
		}
		engine.MarkChecked(ids...)
		log.Debug("Начальные посты исключены", zap.Int("count", len(ids)))
	}

	reports, err := engine.RunBatches(ctx, task.Batches, feed.PolicyFrom(p.Policy))
	report.Batches = reports
	if err != nil {
		return err
	}

	// Ответы, пришедшие после последней пачки, попадают в неподтверждённые
	res := reconciler.Finalize(ctx)
	report.Uncaptured += len(res.Uncaptured)
	if failures := interceptor.DecodeFailures(); failures > 0 {
		log.Warn("Часть ответов ленты не разобрана", zap.Int("failures", failures))
	}
	if stalls := interceptor.Stalls(); stalls > 0 {
		log.Warn("Разбор ответов ленты не уложился в срок", zap.Int("stalls", stalls))
	}
	return nil
}
