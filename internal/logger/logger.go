// Package logger builds the zap loggers used across foreman.
//
// Long-running components (dispatcher workers, the reconciler, the stalled
// scanner) take a *zap.SugaredLogger at construction. Use For(component) to
// get one bound to the global logger, or Nop() in tests.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format is the log encoding.
type Format string

const (
	// FormatConsole is human-readable, colored output.
	FormatConsole Format = "console"
	// FormatJSON is structured JSON output.
	FormatJSON Format = "json"
)

var (
	initOnce    sync.Once
	initialized bool
)

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseFormat maps a config or env value to a Format, defaulting to console.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New creates a zap logger writing to stdout.
func New(level string, format Format) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if format == FormatJSON {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize installs the global logger. LOGGING_LEVEL and LOGGING_FORMAT
// override the arguments. Only the first call has any effect.
func Initialize(level string, format Format) {
	initOnce.Do(func() {
		if env := os.Getenv("LOGGING_LEVEL"); env != "" {
			level = env
		}
		if env := os.Getenv("LOGGING_FORMAT"); env != "" {
			format = ParseFormat(env)
		}
		l := New(level, format)
		l.Info("Logger initialized", zap.String("level", level), zap.String("format", string(format)))
		zap.ReplaceGlobals(l)
		initialized = true
	})
}

// For returns a named logger for a component.
func For(component string) *zap.SugaredLogger {
	if !initialized {
		Initialize("info", FormatConsole)
	}
	return zap.S().Named(component)
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Sync flushes buffered entries of the global logger.
func Sync() error {
	return zap.L().Sync()
}
