package logger

import (
	"io"
	"os"
	"path/filepath"
	"waterfeed/pkg/models"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	zl   *zap.Logger
	file *os.File
}

func NewLogger(cfg *models.LogConfig) (*Logger, error) {
	var syncers []zapcore.WriteSyncer
	colour := false

	if cfg.ToStdout {
		if isatty.IsTerminal(os.Stdout.Fd()) {
			colour = true
			syncers = append(syncers, zapcore.AddSync(colorable.NewColorableStdout()))
		} else {
			syncers = append(syncers, zapcore.Lock(os.Stdout))
		}
	}

	var file *os.File
	if cfg.ToFile {
		if cfg.FilePath == "" {
			cfg.FilePath = "waterfeed.log"
		}
		dir := filepath.Dir(cfg.FilePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		file = f
		syncers = append(syncers, zapcore.AddSync(f))
	}

	if len(syncers) == 0 {
		syncers = append(syncers, zapcore.AddSync(io.Discard))
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if colour && !cfg.ToFile {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := zapcore.InfoLevel
	if cfg.DebugEnabled {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.NewMultiWriteSyncer(syncers...),
		zap.NewAtomicLevelAt(level),
	)

	zl := zap.New(core)
	if cfg.Prefix != "" {
		zl = zl.Named(cfg.Prefix)
	}

	return &Logger{zl: zl, file: file}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zap.NewNop()}
}

func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.zl.Info(msg, fields...)
}

func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.zl.Warn(msg, fields...)
}

func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.zl.Debug(msg, fields...)
}

func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.zl.Error(msg, fields...)
}

// With returns a child logger carrying the given fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zl: l.zl.With(fields...), file: l.file}
}

func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
