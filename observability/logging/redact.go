package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder written in place of sensitive log fields.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"apikey":        {},
	"api_key":       {},
	"authorization": {},
	"secret":        {},
	"signature":     {},
	"token":         {},
}

// Sensitive reports whether the key names a credential-bearing field.
func Sensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr with the value masked when the key is
// credential-bearing. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !Sensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
