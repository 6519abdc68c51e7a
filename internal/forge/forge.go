// Package forge is the GitHub App client the outbox consumer (C4) uses to
// execute external writes: minting short-lived installation tokens and
// posting the write itself, with a circuit breaker so a forge outage fails
// fast instead of piling up blocked workers.
package forge

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/conductor-sh/conductor/internal/apperr"
)

const defaultBaseURL = "https://api.github.com"

// Config holds the GitHub App credentials needed to mint installation
// tokens. PrivateKey is the PEM-encoded App private key (GITHUB_PRIVATE_KEY).
type Config struct {
	AppID      string
	PrivateKey string
	BaseURL    string
}

// Client executes outbox writes against the GitHub REST API. One Client is
// shared by every github_writes worker goroutine.
type Client struct {
	appID      string
	key        *rsa.PrivateKey
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker

	mu     sync.Mutex
	tokens map[string]installationToken
}

type installationToken struct {
	value   string
	expires time.Time
}

// New parses cfg.PrivateKey and constructs a Client. cfg.AppID and
// cfg.PrivateKey must both be set.
func New(cfg Config) (*Client, error) {
	if cfg.AppID == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("forge: app id and private key are required")
	}
	block, _ := pem.Decode([]byte(cfg.PrivateKey))
	if block == nil {
		return nil, fmt.Errorf("forge: private key is not PEM-encoded")
	}
	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("forge: parse private key: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	breakerSettings := gobreaker.Settings{
		Name:        "forge",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		appID:      cfg.AppID,
		key:        key,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(breakerSettings),
		tokens:     make(map[string]installationToken),
	}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

// appJWT mints a short-lived (9 minute) RS256 JWT authenticating as the App
// itself, the first leg of installation token exchange. No JOSE library in
// the dependency set is grounded for App-assertion signing specifically, so
// this follows the same raw header.payload.signature construction the
// control plane's own OIDC test harness uses for RS256 (crypto/rsa + raw
// base64url, no external JWT library).
func (c *Client) appJWT() (string, error) {
	now := time.Now().Unix()
	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	claims := map[string]any{
		"iat": now - 60,
		"exp": now + 9*60,
		"iss": c.appID,
	}
	h, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	p, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := base64.RawURLEncoding.EncodeToString(h) + "." + base64.RawURLEncoding.EncodeToString(p)
	hash := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.key, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// InstallationToken returns a cached or freshly minted token scoped to
// installationID, good for one hour per GitHub's contract.
func (c *Client) InstallationToken(ctx context.Context, installationID string) (string, error) {
	c.mu.Lock()
	if tok, ok := c.tokens[installationID]; ok && time.Now().Before(tok.expires.Add(-time.Minute)) {
		c.mu.Unlock()
		return tok.value, nil
	}
	c.mu.Unlock()

	jwt, err := c.appJWT()
	if err != nil {
		return "", apperr.Internal("installationToken", "mint app jwt", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%s/access_tokens", c.baseURL, installationID), nil)
	if err != nil {
		return "", apperr.Internal("installationToken", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.Transient("installationToken", "request installation token", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return "", apperr.Transient("installationToken", fmt.Sprintf("forge returned %d", resp.StatusCode), fmt.Errorf("%s", body))
	}
	if resp.StatusCode >= 400 {
		return "", apperr.Permanent("installationToken", fmt.Sprintf("forge returned %d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	var parsed struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", apperr.Internal("installationToken", "decode response", err)
	}

	c.mu.Lock()
	c.tokens[installationID] = installationToken{value: parsed.Token, expires: parsed.ExpiresAt}
	c.mu.Unlock()
	return parsed.Token, nil
}

// Write is one external side effect to execute, mirroring a github_writes
// outbox row.
type Write struct {
	InstallationID string
	Kind           string
	TargetNodeID   string
	PayloadJSON    string
	IdempotencyKey string
}

// Result is the forge's response to a successfully executed Write.
type Result struct {
	ID  string
	URL string
}

var writePaths = map[string]struct {
	Method string
	Path   string
}{
	"create_pr":     {http.MethodPost, "repos/%s/pulls"},
	"post_comment":  {http.MethodPost, "repos/%s/issues/comments"},
	"merge_pr":      {http.MethodPut, "repos/%s/merge"},
	"update_check":  {http.MethodPost, "repos/%s/check-runs"},
	"request_review": {http.MethodPost, "repos/%s/pulls/requested_reviewers"},
}

// Execute performs w against the forge through the circuit breaker,
// returning an apperr-classified error on failure so the outbox consumer
// can decide retryable vs. permanent (§4.4).
func (c *Client) Execute(ctx context.Context, w Write) (*Result, error) {
	route, ok := writePaths[w.Kind]
	if !ok {
		return nil, apperr.Permanent("execute", fmt.Sprintf("unknown write kind %q", w.Kind), nil)
	}

	token, err := c.InstallationToken(ctx, w.InstallationID)
	if err != nil {
		return nil, err
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.doWrite(ctx, route.Method, fmt.Sprintf(route.Path, w.TargetNodeID), token, w)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.Transient("execute", "forge circuit open", err)
		}
		return nil, err
	}
	return result.(*Result), nil
}

func (c *Client) doWrite(ctx context.Context, method, path, token string, w Write) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, bytes.NewReader([]byte(w.PayloadJSON)))
	if err != nil {
		return nil, apperr.Internal("doWrite", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", w.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient("doWrite", "forge request failed", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperr.Transient("doWrite", fmt.Sprintf("forge returned %d", resp.StatusCode), fmt.Errorf("%s", body))
	case resp.StatusCode >= 400:
		return nil, apperr.Permanent("doWrite", fmt.Sprintf("forge returned %d", resp.StatusCode), fmt.Errorf("%s", body))
	}

	var parsed struct {
		ID      json.Number `json:"id"`
		NodeID  string      `json:"node_id"`
		HTMLURL string      `json:"html_url"`
		URL     string      `json:"url"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &parsed)
	}
	id := parsed.NodeID
	if id == "" {
		id = parsed.ID.String()
	}
	url := parsed.HTMLURL
	if url == "" {
		url = parsed.URL
	}
	return &Result{ID: id, URL: url}, nil
}
