// Package dbtest поднимает временную SQLite-базу с той же схемой для тестов.
package dbtest

import (
	"database/sql/driver"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"feedAudit/internal/database"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Hook настраивает каждое новое подключение, в том числе после переподключения.
type Hook func(db *gorm.DB) error

// Path создаёт файл базы со схемой и возвращает путь к нему.
func Path(t testing.TB) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "feed.db")
	db, err := Connector(path)()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.Models()...))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	return path
}

func Connector(path string, hooks ...Hook) database.Connector {
	return func() (*gorm.DB, error) {
		db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_txlock=immediate"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)

		for _, hook := range hooks {
			if err := hook(db); err != nil {
				return nil, err
			}
		}
		return db, nil
	}
}

// Open возвращает подключение к новой временной базе.
func Open(t testing.TB, hooks ...Hook) *database.Conn {
	t.Helper()
	return OpenPath(t, Path(t), hooks...)
}

// OpenPath открывает ещё одно независимое подключение к существующей базе.
func OpenPath(t testing.TB, path string, hooks ...Hook) *database.Conn {
	t.Helper()

	conn, err := database.NewConn(Connector(path, hooks...), database.Options{
		ReconnectAttempts: 3,
		ReconnectDelay:    time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Faults считает вставки и проваливает первые из них ошибкой соединения.
type Faults struct {
	remaining atomic.Int32
	calls     atomic.Int32
}

// FailCreates проваливает первые n вставок ошибкой driver.ErrBadConn.
func FailCreates(n int) (*Faults, Hook) {
	f := &Faults{}
	f.remaining.Store(int32(n))

	hook := func(db *gorm.DB) error {
		return db.Callback().Create().Before("gorm:create").Register("dbtest:fail_create", func(tx *gorm.DB) {
			f.calls.Add(1)
			if f.remaining.Add(-1) >= 0 {
				_ = tx.AddError(driver.ErrBadConn)
			}
		})
	}
	return f, hook
}

// Calls возвращает число попыток вставки.
func (f *Faults) Calls() int {
	return int(f.calls.Load())
}
