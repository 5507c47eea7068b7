package commands

import (
	"feedAudit/internal/config"
	"feedAudit/internal/database"
	"feedAudit/internal/logger"

	"go.uber.org/zap"
)

// Env - общие ресурсы процесса. Подключение к БД открывается лениво.
type Env struct {
	Cfg  *config.Cfg
	Log  *logger.Zap
	conn *database.Conn
}

func (e *Env) Init() error {
	if e.Cfg != nil {
		return nil
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger.Env, cfg.Logger.Level)
	if err != nil {
		return err
	}
	e.Cfg, e.Log = cfg, log
	return nil
}

// UseLogger заменяет логгер процесса, например на логгер с файлом участника.
func (e *Env) UseLogger(log *logger.Zap) {
	if e.Log != nil {
		_ = e.Log.Sync()
	}
	e.Log = log
}

func (e *Env) Conn() (*database.Conn, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := database.New(e.Cfg, e.Log.Logger)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Env) Close() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil && e.Log != nil {
			e.Log.Warn("Ошибка закрытия БД", zap.Error(err))
		}
	}
	if e.Log != nil {
		_ = e.Log.Sync()
	}
}
