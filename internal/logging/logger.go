package logging

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// Both redact secret-looking attributes before they are written.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redactAttr,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// maskVisible is the number of characters Mask leaves at each end.
const maskVisible = 4

// Mask hides the middle of a secret, keeping four characters at each end.
// Values too short to keep any characters become "****".
func Mask(value string) string {
	if len(value) <= maskVisible*2 {
		return "****"
	}

	return value[:maskVisible] + "****" + value[len(value)-maskVisible:]
}

// secretPattern matches "<secret-ish name>=<value>" and "<name>: value"
// fragments inside free text such as upstream error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:token|secret|key|password|credential|auth_code)[^\s'"=:&]*\s*[=:]\s*['"]?)([^\s'"&,]{8,})`)

// Redact masks every secret-looking value embedded in s.
func Redact(s string) string {
	return secretPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := secretPattern.FindStringSubmatch(m)
		return parts[1] + Mask(parts[2])
	})
}

var sensitiveKeys = []string{"token", "secret", "password", "credential", "cookie", "key"}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}

	return false
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.MessageKey {
		return a
	}

	switch a.Value.Kind() {
	case slog.KindString:
		if isSensitiveKey(a.Key) {
			return slog.String(a.Key, Mask(a.Value.String()))
		}

		return slog.String(a.Key, Redact(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, Redact(err.Error()))
		}
	}

	return a
}
