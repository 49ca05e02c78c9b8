package logging

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// Redacted replaces the values of sensitive fields in log output.
const Redacted = "[redacted]"

// sensitiveMarkers are matched as substrings against lowercased field names.
var sensitiveMarkers = []string{"key", "token", "secret", "password", "credential", "auth"}

// RedactHook scrubs values of fields whose names look sensitive before any
// formatter sees them. It never touches the message itself.
type RedactHook struct{}

// NewRedactHook returns a hook suitable for logrus.AddHook.
func NewRedactHook() *RedactHook {
	return &RedactHook{}
}

// Levels implements logrus.Hook.
func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RedactHook) Fire(entry *logrus.Entry) error {
	for name := range entry.Data {
		if name == logrus.ErrorKey {
			continue
		}
		if SensitiveFieldName(name) {
			entry.Data[name] = Redacted
		}
	}
	return nil
}

// SensitiveFieldName reports whether a field name should have its value
// redacted from logs.
func SensitiveFieldName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
