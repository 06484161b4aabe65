// Package logger provides the process-wide structured logger used by every
// coldproxy package. It wraps go.uber.org/zap the way the teacher's
// pkg/logger wrapped zap/slog: a package-level *zap.Logger plus thin
// Debug/Info/Warn/Error helpers so call sites don't thread a logger
// through every function signature.
package logger

import (
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide logger. Init must be called before use; a nil
// Log is tolerated by the helpers below so tests that skip Init don't panic.
var Log *zap.Logger

// sensitive lists header names redacted from log output.
var sensitive = map[string]struct{}{
	"authorization":    {},
	"x-api-key":        {},
	"x-user-signature": {},
	"cookie":           {},
}

// Init builds the process logger. level is one of debug/info/warn/error
// (case-insensitive); anything else defaults to info.
func Init(level string) {
	lvl := zapcore.InfoLevel
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build()
	if err != nil {
		// fall back to a basic logger rather than leaving Log nil
		l = zap.NewNop()
		_, _ = os.Stderr.WriteString("logger: falling back to nop logger: " + err.Error() + "\n")
	}
	Log = l
}

func Debug(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Debug(msg, fields...)
	}
}

func Info(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Info(msg, fields...)
	}
}

func Warn(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Warn(msg, fields...)
	}
}

func Error(msg string, fields ...zap.Field) {
	if Log != nil {
		Log.Error(msg, fields...)
	}
}

// redactHeaderValue returns v unless k names a sensitive header, in which
// case it returns a fixed redaction marker.
func redactHeaderValue(k, v string) string {
	if v == "" {
		return ""
	}
	if _, ok := sensitive[strings.ToLower(k)]; ok {
		return "<redacted>"
	}
	return v
}

// SafeHeaders renders r's headers for logging with sensitive values redacted.
func SafeHeaders(r *http.Request) string {
	parts := make([]string, 0, len(r.Header))
	for k, v := range r.Header {
		if len(v) == 0 {
			continue
		}
		parts = append(parts, k+"="+redactHeaderValue(k, v[0]))
	}
	return strings.Join(parts, "; ")
}

// LogRequest logs a concise, redacted summary of an incoming request.
func LogRequest(r *http.Request) {
	Info("incoming_request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
		zap.String("headers", SafeHeaders(r)),
	)
}

// Sync flushes any buffered log entries. Call during shutdown.
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
