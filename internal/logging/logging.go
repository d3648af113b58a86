// Package logging provides slog setup and log masking helpers.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the default slog logger.
func Setup(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SensitiveFields contains field names that should be masked in logs.
var SensitiveFields = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"apikey":            true,
	"authorization":     true,
	"bearer":            true,
	"webhook_url":       true,
	"webhook":           true,
	"sasl_password":     true,
	"access_key_id":     true,
	"secret_access_key": true,
	"account_number":    true,
	"routing_number":    true,
	"iban":              true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskAPIKey masks an API key, showing only the first and last 4
// characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskEmail partially masks an email address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIdx := strings.Index(email, "@")
	if atIdx <= 0 {
		return MaskedValue
	}

	local := email[:atIdx]
	domain := email[atIdx:]

	if len(local) <= 2 {
		return MaskedValue + domain
	}
	return local[:1] + "***" + local[len(local)-1:] + domain
}

// MaskWebhookURL hides the path and query of a webhook URL. Hosted
// chat webhooks carry their secret in the path.
func MaskWebhookURL(url string) string {
	if url == "" {
		return ""
	}
	schemeEnd := strings.Index(url, "://")
	if schemeEnd < 0 {
		return MaskedValue
	}
	rest := url[schemeEnd+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return url
	}
	return url[:schemeEnd+3+slash] + "/" + MaskedValue
}
