package logging

import (
	"log/slog"
	"strings"
)

var sensitiveKeyPatterns = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"credential",
	"authorization",
	"bearer",
	"private",
	"signature",
}

// jwtPrefix is how every base64url JWT header starts.
const jwtPrefix = "eyJ"

const redactedValue = "***REDACTED***"

func redact(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		v := a.Value.String()
		if v == "" {
			return a
		}
		if IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
		if strings.HasPrefix(v, jwtPrefix) && strings.Count(v, ".") == 2 {
			return slog.String(a.Key, RedactToken(v))
		}
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redact(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	}
	return a
}

// RedactToken keeps only the first and last four characters of a token.
func RedactToken(token string) string {
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// IsSensitiveKey reports whether an attribute key names secret material.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}
