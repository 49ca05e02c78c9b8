package logging

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process-wide logger from the configured level and
// format ("text" or "json"). The redaction hook is always installed.
func NewLogger(level, format string) (Logger, error) {
	logger := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(parsed)

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
	}

	logger.AddHook(NewRedactHook())
	return NewLogrusAdapter(logger), nil
}

// SetLevel applies a hot-reloaded level to the logrus logger behind l.
// Loggers not built by NewLogger are left unchanged.
func SetLevel(l Logger, level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if adapter, ok := l.(*LogrusAdapter); ok {
		adapter.entry.Logger.SetLevel(parsed)
	}
	return nil
}
