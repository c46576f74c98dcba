package observability

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus logger to the Logger interface.
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger builds a JSON-formatted logrus logger. The level is taken
// from the LOG_LEVEL environment variable and defaults to info.
func NewLogrusLogger() *LogrusLogger {
	logger := logrus.New()

	level := logrus.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := logrus.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return &LogrusLogger{logger: logger}
}

// Debug logs at debug level.
func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.logger.WithFields(toLogrusFields(fields)).Debug(msg)
}

// Info logs at info level.
func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.logger.WithFields(toLogrusFields(fields)).Info(msg)
}

// Warn logs at warning level.
func (l *LogrusLogger) Warn(msg string, fields ...Field) {
	l.logger.WithFields(toLogrusFields(fields)).Warn(msg)
}

// Error logs at error level.
func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.logger.WithFields(toLogrusFields(fields)).Error(msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	if len(fields) == 0 {
		return nil
	}
	out := make(logrus.Fields, len(fields))
	for _, field := range fields {
		if strings.TrimSpace(field.Key) == "" {
			continue
		}
		out[field.Key] = field.Value
	}
	return out
}
