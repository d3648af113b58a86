package logging

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsSensitiveField(t *testing.T) {
	sensitive := []string{"api_key", "API_KEY", "email_api_key", "webhook_url", "sasl_password", "iban"}
	for _, f := range sensitive {
		if !IsSensitiveField(f) {
			t.Errorf("IsSensitiveField(%q) = false, want true", f)
		}
	}
	clean := []string{"account_id", "alert_id", "severity", "channel"}
	for _, f := range clean {
		if IsSensitiveField(f) {
			t.Errorf("IsSensitiveField(%q) = true, want false", f)
		}
	}
}

func TestMaskSensitiveValue(t *testing.T) {
	if got := MaskSensitiveValue("api_key", "sek_live_12345"); got != MaskedValue {
		t.Errorf("sensitive value not masked: %s", got)
	}
	if got := MaskSensitiveValue("account_id", "acct_001"); got != "acct_001" {
		t.Errorf("clean value mangled: %s", got)
	}
	if got := MaskSensitiveValue("api_key", ""); got != "" {
		t.Errorf("empty value should stay empty: %q", got)
	}
}

func TestMaskAPIKey(t *testing.T) {
	if got := MaskAPIKey("sek_live_abcdef1234"); got != "sek_****1234" {
		t.Errorf("MaskAPIKey = %s", got)
	}
	if got := MaskAPIKey("short"); got != MaskedValue {
		t.Errorf("short key = %s, want fully masked", got)
	}
	if got := MaskAPIKey(""); got != "" {
		t.Errorf("empty key = %q", got)
	}
}

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"ops-team@example.com": "o***m@example.com",
		"ab@example.com":       MaskedValue + "@example.com",
		"not-an-email":         MaskedValue,
		"":                     "",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskWebhookURL(t *testing.T) {
	got := MaskWebhookURL("https://chat.example.com/services/T000/B000/secrettoken")
	if got != "https://chat.example.com/"+MaskedValue {
		t.Errorf("MaskWebhookURL = %s", got)
	}
	if got := MaskWebhookURL("https://chat.example.com"); got != "https://chat.example.com" {
		t.Errorf("host-only URL mangled: %s", got)
	}
	if got := MaskWebhookURL("garbage"); got != MaskedValue {
		t.Errorf("non-URL = %s", got)
	}
}
