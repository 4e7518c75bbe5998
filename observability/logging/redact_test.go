package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSensitive(t *testing.T) {
	for _, key := range []string{"apikey", "API_KEY", " token ", "Authorization", "secret", "Signature"} {
		if !Sensitive(key) {
			t.Fatalf("%q must be treated as sensitive", key)
		}
	}
	for _, key := range []string{"path", "escrowId", "error", ""} {
		if Sensitive(key) {
			t.Fatalf("%q must not be treated as sensitive", key)
		}
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("signature", "9f8e7d"); got.Value.String() != RedactedValue {
		t.Fatalf("signature not masked: %v", got.Value)
	}
	if got := MaskField("apiKey", "ak_live_1"); got.Value.String() != RedactedValue {
		t.Fatalf("apiKey not masked: %v", got.Value)
	}
	if got := MaskField("path", "/v1/escrows"); got.Value.String() != "/v1/escrows" {
		t.Fatalf("benign field altered: %v", got.Value)
	}
	if got := MaskField("secret", ""); got.Value.String() != "" {
		t.Fatalf("empty value must pass through unchanged")
	}
}

func TestMaskedFieldsNeverReachLogOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Warn("authentication failed",
		MaskField("apiKey", "ak_live_12345"),
		MaskField("signature", "9f8e7d6c"),
		slog.String("path", "/v1/escrows"))

	out := buf.String()
	if strings.Contains(out, "ak_live_12345") || strings.Contains(out, "9f8e7d6c") {
		t.Fatalf("credential material leaked into log output: %s", out)
	}
	if !strings.Contains(out, RedactedValue) {
		t.Fatalf("expected redaction placeholder in output: %s", out)
	}
	if !strings.Contains(out, "/v1/escrows") {
		t.Fatalf("benign fields must survive masking: %s", out)
	}
}
