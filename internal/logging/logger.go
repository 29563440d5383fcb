package logging

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Entry is a logger with preset fields
type Entry = *logrus.Entry

// Fields represents structured logging fields
type Fields = logrus.Fields

// ParseLevel maps a config/env level name to a logrus level, defaulting to info
func ParseLevel(name string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLoggerWithLevel creates a JSON logger at the given level
func NewLoggerWithLevel(level string) Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// NewTextLogger creates a human-readable logger for interactive CLI use
func NewTextLogger(w io.Writer, level string) Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// Discard returns a logger that drops everything, for tests
func Discard() Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component returns an entry tagged with the component name
func Component(logger Logger, name string) Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("component", name)
}
