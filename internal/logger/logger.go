// Package logger создаёт zap-логгер процесса: консоль и, при необходимости, файл с ротацией.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Zap struct {
	*zap.Logger
}

// File описывает файл лога с ротацией. Пустой Path отключает запись в файл.
type File struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func New(env, level string) (*Zap, error) {
	return NewWithFile(env, level, File{})
}

func NewWithFile(env, level string, file File) (*Zap, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("неизвестный уровень логирования %q: %w", level, err)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(env), zapcore.Lock(os.Stdout), lvl),
	}

	if file.Path != "" {
		if err := os.MkdirAll(filepath.Dir(file.Path), 0o755); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог логов: %w", err)
		}
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    withDefault(file.MaxSizeMB, 50),
			MaxBackups: withDefault(file.MaxBackups, 5),
			MaxAge:     withDefault(file.MaxAgeDays, 30),
			Compress:   true,
		})
		// В файл всегда пишем JSON
		cores = append(cores, zapcore.NewCore(encoder("prod"), writer, lvl))
	}

	opts := []zap.Option{zap.AddCaller()}
	if env == "dev" {
		opts = append(opts, zap.Development())
	}

	return &Zap{Logger: zap.New(zapcore.NewTee(cores...), opts...)}, nil
}

// SessionFile возвращает путь к файлу лога процесса одного участника.
func SessionFile(dir string, runID uint, participantID int) string {
	return filepath.Join(dir, fmt.Sprintf("run_%d_participant_%d.log", runID, participantID))
}

func encoder(env string) zapcore.Encoder {
	if env == "dev" {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}

	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func withDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
