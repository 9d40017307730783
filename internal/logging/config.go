package logging

import (
	"go.uber.org/zap/zapcore"
)

// Config defines all settings for the supervisor's own log output.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `yaml:"format"`

	// OutputPath is "stdout", "stderr", or a file path. File output is rotated.
	OutputPath string `yaml:"output_path"`

	// Rotation applies when OutputPath is a file.
	Rotation RotationConfig `yaml:"rotation"`

	// EnableCaller includes file:line of the call site.
	EnableCaller bool `yaml:"enable_caller"`

	// Development enables colored level names and DPanic panics.
	Development bool `yaml:"development"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize int `yaml:"max_size_mb"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `yaml:"max_age_days"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `yaml:"max_backups"`

	// Compress determines if the rotated log files should be gzipped.
	Compress bool `yaml:"compress"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:        "info",
		Format:       "console",
		OutputPath:   "stdout",
		Rotation:     DefaultRotation(),
		EnableCaller: true,
	}
}

// DefaultRotation is shared by the supervisor log and the worker output logs.
func DefaultRotation() RotationConfig {
	return RotationConfig{
		MaxSize:    100,
		MaxAge:     14,
		MaxBackups: 5,
		Compress:   false,
	}
}

// buildEncoderConfig creates a zapcore.EncoderConfig from the logger config.
func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if !c.EnableCaller {
		encoderConfig.CallerKey = zapcore.OmitKey
	}

	return encoderConfig
}
