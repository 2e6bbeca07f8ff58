package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// InvalidSetting is one rejected configuration key.
type InvalidSetting struct {
	Key    string
	Reason string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	Settings []InvalidSetting
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Settings) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, s := range e.Settings {
		sb.WriteString(fmt.Sprintf("  - %s: %s\n", s.Key, s.Reason))
	}
	return sb.String()
}

func (e *ValidationErrors) add(key, reason string) {
	e.Settings = append(e.Settings, InvalidSetting{Key: key, Reason: reason})
}

func (e *ValidationErrors) requireURL(key, raw string, schemes ...string) {
	if raw == "" {
		e.add(key, "is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		e.add(key, fmt.Sprintf("not a valid URL: %v", err))
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	e.add(key, fmt.Sprintf("scheme %q not supported (use %s)", u.Scheme, strings.Join(schemes, " or ")))
}

func (e *ValidationErrors) requireLevel(key, level string) {
	if _, err := zapcore.ParseLevel(level); err != nil {
		e.add(key, fmt.Sprintf("unknown level %q", level))
	}
}
