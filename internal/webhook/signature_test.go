package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"resource":"events"}`)
	secret := "topsecret"

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		want      bool
	}{
		{"valid", body, sign(body, secret), secret, true},
		{"empty body valid", nil, sign(nil, secret), secret, true},
		{"wrong secret", body, sign(body, "other"), secret, false},
		{"tampered body", []byte(`{"resource":"events!"}`), sign(body, secret), secret, false},
		{"missing prefix", body, sign(body, secret)[len("sha256="):], secret, false},
		{"empty signature", body, "", secret, false},
		{"no secret configured", body, sign(body, secret), "", false},
		{"garbage signature", body, "sha256=not-hex", secret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.signature, tt.secret); got != tt.want {
				t.Fatalf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
