package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Logger is the service's structured logger. Values logged under credential
// keys, or that carry a bearer token, are replaced before reaching zap.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New builds a JSON production logger for "prod" and a debug-level console
// logger otherwise.
func New(mode string) (*Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if m := strings.ToLower(strings.TrimSpace(mode)); m == "prod" || m == "production" {
		cfg = zap.NewProductionConfig()
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &Logger{sugar: z.Sugar()}, nil
}

func Nop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() { _ = l.sugar.Sync() }

func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, redact(kv)...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, redact(kv)...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, redact(kv)...) }

func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(redact(kv)...)}
}

const redactedValue = "[REDACTED]"

var secretKeys = []string{"token", "authorization", "password", "secret", "api_key", "apikey"}

// redact copies kv, masking secret values. A trailing key without a value is
// passed through for zap to report.
func redact(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := append([]interface{}(nil), kv...)
	for i := 0; i+1 < len(out); i += 2 {
		key := strings.ToLower(fmt.Sprint(out[i]))
		if isSecretKey(key) {
			out[i+1] = redactedValue
			continue
		}
		if s, ok := out[i+1].(string); ok && strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "bearer ") {
			out[i+1] = redactedValue
		}
	}
	return out
}

func isSecretKey(key string) bool {
	for _, k := range secretKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}
