// Package auth verifies the submission signature carried by script
// requests.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the submission signature
const SignatureHeader = "x-coderunner-signature-v1"

var (
	ErrMissingSignature = errors.New("signature header not found")
	ErrInvalidSignature = errors.New("signature does not match payload")
)

// Verifier checks submission signatures. Without a secret only the presence
// of the header is checked.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier. An empty secret selects presence-only checks.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enforcing reports whether signatures are checked against a shared secret
func (v *Verifier) Enforcing() bool {
	return len(v.secret) > 0
}

// CheckPresent fails when no signature was sent
func (v *Verifier) CheckPresent(signature string) error {
	if strings.TrimSpace(signature) == "" {
		return ErrMissingSignature
	}
	return nil
}

// Verify checks signature against body
func (v *Verifier) Verify(signature string, body []byte) error {
	if err := v.CheckPresent(signature); err != nil {
		return err
	}
	if !v.Enforcing() {
		return nil
	}

	sent, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(sent, Sign(v.secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureFor returns the header value a client sends for body
func SignatureFor(secret string, body []byte) string {
	return "sha256=" + hex.EncodeToString(Sign([]byte(secret), body))
}
