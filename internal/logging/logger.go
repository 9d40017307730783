package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the root logger described by cfg. The returned AtomicLevel can be
// adjusted later, which is how a config reload changes verbosity.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atom := zap.NewAtomicLevelAt(level)

	writer, err := openOutput(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(cfg.buildEncoderConfig())
	} else {
		encoder = zapcore.NewConsoleEncoder(cfg.buildEncoderConfig())
	}

	core := zapcore.NewCore(encoder, writer, atom)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.EnableCaller {
		options = append(options, zap.AddCaller())
	}
	if cfg.Development {
		options = append(options, zap.Development())
	}

	return zap.New(core, options...), atom, nil
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

func openOutput(cfg Config) (zapcore.WriteSyncer, error) {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	w, err := NewRotatingWriter(cfg.OutputPath, cfg.Rotation)
	if err != nil {
		return nil, err
	}
	return zapcore.AddSync(w), nil
}

// NewRotatingWriter opens path for append through lumberjack, creating the
// parent directory when needed. The file itself is created lazily on the
// first write.
func NewRotatingWriter(path string, rotation RotationConfig) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxAge:     rotation.MaxAge,
		MaxBackups: rotation.MaxBackups,
		Compress:   rotation.Compress,
		LocalTime:  true,
	}, nil
}

// WithPort tags a logger with a worker port.
func WithPort(logger *zap.Logger, port int) *zap.Logger {
	return logger.With(zap.Int("port", port))
}
