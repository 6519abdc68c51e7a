// Package signing provides HMAC-SHA256 signing and verification helpers
// shared by the webhook signature check and the OAuth signed-state
// payload.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer creates and verifies HMAC-SHA256 signatures over a (subject,
// payload) pair.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given shared secret.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign computes HMAC-SHA256 over subject|json(payload).
func (s *Signer) Sign(subject string, payload any) (string, error) {
	canonical, err := canonicalize(subject, payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature matches the payload, in constant time.
func (s *Signer) Verify(subject string, payload any, signature string) error {
	expected, err := s.Sign(subject, payload)
	if err != nil {
		return fmt.Errorf("compute expected: %w", err)
	}
	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	expectedBytes, err := hex.DecodeString(expected)
	if err != nil {
		return fmt.Errorf("decode expected: %w", err)
	}
	if !hmac.Equal(sigBytes, expectedBytes) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// SignRaw computes HMAC-SHA256 over a raw byte slice (e.g. a webhook body).
func (s *Signer) SignRaw(body []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyRaw checks an HMAC-SHA256 signature over a raw byte slice in
// constant time. sigHex is the hex-encoded signature, without a
// "sha256=" prefix.
func (s *Signer) VerifyRaw(body []byte, sigHex string) bool {
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return hmac.Equal(sigBytes, s.SignRaw(body))
}

func canonicalize(subject string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical := make([]byte, 0, len(subject)+1+len(data))
	canonical = append(canonical, []byte(subject)...)
	canonical = append(canonical, '|')
	canonical = append(canonical, data...)
	return canonical, nil
}

// DeriveScopedKey derives a per-scope signing key from a master key, so a
// leaked scoped key cannot be used to forge signatures for another scope.
func DeriveScopedKey(masterKey []byte, scope string) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write([]byte("conductor-signing|" + scope))
	return mac.Sum(nil)
}
