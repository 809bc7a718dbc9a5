// Package logger provides structured key/value logging with PII redaction.
package logger

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	base      = newBase()
	redactPII atomic.Bool
)

func init() {
	redactPII.Store(true)
}

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "time", logrus.FieldKeyMsg: "msg"},
	})
	return l
}

// Logger is a component logger carrying a fixed set of fields.
type Logger struct {
	entry *logrus.Entry
}

var defaultLogger = &Logger{entry: logrus.NewEntry(base)}

// SetLevel sets the minimum level ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	base.SetLevel(lvl)
	return nil
}

// SetFormat switches between "json" (default) and "text" output.
func SetFormat(format string) {
	if format == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return
	}
	base.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "time", logrus.FieldKeyMsg: "msg"},
	})
}

// Configure applies level, format and redaction in one call.
func Configure(level, format string, redact bool) error {
	if err := SetLevel(level); err != nil {
		return err
	}
	SetFormat(format)
	SetRedactPII(redact)
	return nil
}

// SetOutput redirects every logger.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// SetRedactPII enables or disables PII redaction.
func SetRedactPII(r bool) { redactPII.Store(r) }

// With returns a logger that adds the given key/value pairs to every entry.
func With(fields ...interface{}) *Logger { return defaultLogger.With(fields...) }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.Debug(msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.Info(msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.Warn(msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.Error(msg, fields...) }

func (l *Logger) With(fields ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(fields))}
}

func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Debug(msg)
}

func (l *Logger) Info(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Info(msg)
}

func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Warn(msg)
}

func (l *Logger) Error(msg string, fields ...interface{}) {
	l.entry.WithFields(toFields(fields)).Error(msg)
}

// toFields parses key/value pairs. A trailing key without a value is dropped.
func toFields(kv []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(kv)/2)
	for i := 0; i < len(kv)-1; i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		val := kv[i+1]
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		if s, ok := val.(string); ok && redactPII.Load() {
			val = redactPIIValue(key, s)
		}
		fields[key] = val
	}
	return fields
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	if strings.Contains(key, "phone") {
		return RedactPhone(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
