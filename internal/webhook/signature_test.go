package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"order.created","merchant":12345,"data":{"id":1}}`)
	const secret = "s3cret"
	hexSig := Sign(body, secret)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	b64Sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{"hex", body, hexSig, secret, true},
		{"prefixed hex", body, "sha256=" + hexSig, secret, true},
		{"base64", body, b64Sig, secret, true},
		{"prefixed base64", body, "sha256=" + b64Sig, secret, true},
		{"wrong secret", body, Sign(body, "other"), secret, false},
		{"tampered body", []byte(`{"event":"order.created","merchant":12346,"data":{"id":1}}`), hexSig, secret, false},
		{"reserialized body", []byte(`{"merchant":12345,"event":"order.created","data":{"id":1}}`), hexSig, secret, false},
		{"empty header", body, "", secret, false},
		{"empty secret", body, hexSig, "", false},
		{"garbage", body, "sha256=zz!!", secret, false},
		{"truncated", body, hexSig[:40], secret, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(tt.body, tt.header, tt.secret))
		})
	}
}
