package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// stateTTL bounds how long a signed state parameter is accepted (§4.13).
const stateTTL = 10 * time.Minute

// statePayload is carried inside the signed state parameter across the
// redirect to the forge and back.
type statePayload struct {
	Redirect  string `json:"redirect,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// signState produces base64url(payload).hex(HMAC-SHA-256(payload, secret)).
func (p *Provider) signState(payload statePayload) (string, error) {
	if payload.Nonce == "" {
		nonce, err := randomToken(16)
		if err != nil {
			return "", fmt.Errorf("auth: generate nonce: %w", err)
		}
		payload.Nonce = nonce
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = time.Now().UTC().Unix()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("auth: marshal state: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	sig, err := p.signer.Sign("oauth_state", payload)
	if err != nil {
		return "", fmt.Errorf("auth: sign state: %w", err)
	}
	return encoded + "." + sig, nil
}

// verifyState recomputes the HMAC in constant time and rejects a state
// whose timestamp is older than stateTTL or in the future (§4.13).
func (p *Provider) verifyState(token string) (*statePayload, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("auth: malformed state")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("auth: decode state: %w", err)
	}
	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("auth: unmarshal state: %w", err)
	}
	if err := p.signer.Verify("oauth_state", payload, sig); err != nil {
		return nil, fmt.Errorf("auth: state signature invalid: %w", err)
	}
	now := time.Now().UTC().Unix()
	age := now - payload.Timestamp
	if age > int64(stateTTL.Seconds()) || age < 0 {
		return nil, fmt.Errorf("auth: state expired")
	}
	return &payload, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
