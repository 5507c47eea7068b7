package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedAudit/internal/config"
	"feedAudit/internal/failure"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrPersistenceUnavailable - переподключение к БД не удалось за отведённое число попыток.
var ErrPersistenceUnavailable = errors.New("хранилище недоступно")

// Connector открывает новое подключение. Каждое переподключение получает новый *gorm.DB.
type Connector func() (*gorm.DB, error)

type Options struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Conn владеет подключением к БД и заменяет его при потере соединения.
type Conn struct {
	connect Connector
	opts    Options
	log     *zap.Logger

	mu sync.RWMutex
	db *gorm.DB
}

// New подключается к PostgreSQL по настройкам окружения.
func New(cfg *config.Cfg, log *zap.Logger) (*Conn, error) {
	dsn := cfg.Database.DSN()
	connect := func() (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
	}

	return NewConn(connect, Options{
		ReconnectAttempts: cfg.Database.ReconnectAttempts,
		ReconnectDelay:    cfg.Database.ReconnectDelay,
	}, log)
}

func NewConn(connect Connector, opts Options, log *zap.Logger) (*Conn, error) {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 5
	}
	if opts.MaxReconnectDelay == 0 {
		opts.MaxReconnectDelay = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	c := &Conn{connect: connect, opts: opts, log: log}
	if err := c.reconnect(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// DB возвращает текущий handle. Не следует сохранять его между операциями.
func (c *Conn) DB() *gorm.DB {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.db
}

// Exec выполняет запись fn. При ошибке соединения переподключается и повторяет ту же запись.
// Повтор на уровне операции не ограничен; ограничено только число попыток переподключения.
func (c *Conn) Exec(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	for replay := 0; ; replay++ {
		err := fn(c.DB().WithContext(ctx))
		if err == nil {
			return nil
		}
		if !IsConnectionError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}

		c.log.Warn("Потеря соединения с БД, переподключение",
			zap.String("op", op),
			zap.Int("replay", replay),
			zap.Error(err),
		)

		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
}

func (c *Conn) reconnect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if attempt > 1 {
			delay := failure.Backoff(c.opts.ReconnectDelay, c.opts.MaxReconnectDelay, attempt-1)
			if err := failure.Sleep(ctx, delay); err != nil {
				return err
			}
		}

		db, err := c.connect()
		if err == nil {
			err = ping(ctx, db)
		}
		if err == nil {
			c.swap(db)
			return nil
		}

		lastErr = err
		c.log.Warn("Не удалось подключиться к БД",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.ReconnectAttempts),
			zap.Error(err),
		)
	}

	return failure.Datastore("reconnect", fmt.Errorf("%w после %d попыток: %w", ErrPersistenceUnavailable, c.opts.ReconnectAttempts, lastErr))
}

func (c *Conn) swap(db *gorm.DB) {
	c.mu.Lock()
	old := c.db
	c.db = db
	c.mu.Unlock()

	if old != nil {
		if sqlDB, err := old.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	c.db = nil
	return sqlDB.Close()
}
