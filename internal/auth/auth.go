// Package auth is the OAuth login/installation flow and session layer
// (C13): signed-state CSRF protection, code exchange against the forge,
// find-or-create user reconciliation, and an opaque session cookie.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/signing"
	"github.com/conductor-sh/conductor/internal/store"
)

// Config carries the forge OAuth app credentials and deployment posture.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	StateSecret  []byte
	TokenCryptoKey [32]byte
	Secure       bool // false only in development; controls the session cookie's Secure flag
	LoginErrorURL string
}

func (c Config) oauth2Config() oauth2.Config {
	return oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Endpoint:     oauth2.Endpoint{AuthURL: c.AuthURL, TokenURL: c.TokenURL},
		Scopes:       []string{"read:user"},
	}
}

// Provider handles the OAuth login, installation, and session flows.
type Provider struct {
	cfg        Config
	oauth2     oauth2.Config
	signer     *signing.Signer
	store      *store.Store
	httpClient *http.Client
	log        *zap.Logger
}

func New(cfg Config, s *store.Store, log *zap.Logger) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		cfg:        cfg,
		oauth2:     cfg.oauth2Config(),
		signer:     signing.NewSigner(cfg.StateSecret),
		store:      s,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("auth"),
	}
}

func (p *Provider) db() store.Querier {
	db, err := p.store.DB()
	if err != nil {
		// Store.DB only fails if Open was never called successfully; a
		// misconfigured Provider is a startup bug, not a request-time one.
		panic(fmt.Sprintf("auth: store not open: %v", err))
	}
	return db
}

// HandleLogin redirects to the forge's OAuth authorize endpoint with a
// freshly signed state parameter (§4.13).
func (p *Provider) HandleLogin(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect")
	token, err := p.signState(statePayload{Redirect: redirect})
	if err != nil {
		p.log.Error("sign login state", zap.Error(err))
		http.Error(w, "failed to start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, p.oauth2.AuthCodeURL(token), http.StatusFound)
}

// HandleCallback completes login: verifies state, exchanges the code,
// fetches user info, reconciles the user, and starts a session. If the
// callback also carries installation_id, it is forwarded to
// HandleInstallation with a freshly signed state carrying the user id
// (§4.13).
func (p *Provider) HandleCallback(w http.ResponseWriter, r *http.Request) {
	state, err := p.verifyState(r.URL.Query().Get("state"))
	if err != nil {
		p.redirectLoginError(w, r, "invalid_state")
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		p.redirectLoginError(w, r, "missing_code")
		return
	}
	tok, err := p.oauth2.Exchange(r.Context(), code)
	if err != nil {
		p.redirectLoginError(w, r, "exchange_failed")
		return
	}

	info, err := p.fetchUserInfo(r.Context(), tok.AccessToken)
	if err != nil {
		p.redirectLoginError(w, r, "userinfo_failed")
		return
	}

	user, err := p.reconcileUser(r.Context(), info, tok.AccessToken)
	if err != nil {
		p.log.Error("reconcile user", zap.Error(err))
		p.redirectLoginError(w, r, "reconcile_failed")
		return
	}

	if err := p.createSession(w, r, user.ID); err != nil {
		p.log.Error("create session", zap.Error(err))
		p.redirectLoginError(w, r, "session_failed")
		return
	}

	if installationID := r.URL.Query().Get("installation_id"); installationID != "" {
		forwardToken, err := p.signState(statePayload{UserID: user.ID})
		if err == nil {
			q := url.Values{"installation_id": {installationID}, "state": {forwardToken}}
			http.Redirect(w, r, "/auth/installation?"+q.Encode(), http.StatusFound)
			return
		}
	}

	target := state.Redirect
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// HandleInstallation binds a forge app installation to the authenticated
// user, rejecting installations already owned by someone else without
// revealing or redirecting to that owner's project (§4.13).
func (p *Provider) HandleInstallation(w http.ResponseWriter, r *http.Request) {
	state, err := p.verifyState(r.URL.Query().Get("state"))
	if err != nil || state.UserID == "" {
		http.Error(w, "invalid installation request", http.StatusUnauthorized)
		return
	}

	installationID := r.URL.Query().Get("installation_id")
	if installationID == "" {
		http.Error(w, "missing installation_id", http.StatusBadRequest)
		return
	}

	db := p.db()
	if existing, err := store.GetProjectByInstallation(r.Context(), db, installationID); err == nil {
		if existing.UserID != state.UserID {
			http.Error(w, "installation_owned", http.StatusConflict)
			return
		}
	} else if err != store.ErrNotFound {
		p.log.Error("lookup project by installation", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := store.UpsertPendingInstallation(r.Context(), db, store.PendingInstallation{
		ID: idgen.New(idgen.PrefixInstall), UserID: state.UserID, ForgeInstallationID: installationID,
	}); err != nil {
		p.log.Error("upsert pending installation", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/projects/new?installation_id="+url.QueryEscape(installationID), http.StatusFound)
}

func (p *Provider) redirectLoginError(w http.ResponseWriter, r *http.Request, reason string) {
	target := p.cfg.LoginErrorURL
	if target == "" {
		target = "/login"
	}
	http.Redirect(w, r, target+"?error="+url.QueryEscape(reason), http.StatusFound)
}

type forgeUserInfo struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

func (p *Provider) fetchUserInfo(ctx context.Context, accessToken string) (*forgeUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: user info status %d", resp.StatusCode)
	}
	var info forgeUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("auth: decode user info: %w", err)
	}
	return &info, nil
}

func (p *Provider) reconcileUser(ctx context.Context, info *forgeUserInfo, accessToken string) (*store.User, error) {
	db := p.db()
	forgeUserID := fmt.Sprintf("%d", info.ID)

	encrypted, err := encryptToken(p.cfg.TokenCryptoKey[:], accessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}

	existing, err := store.GetUserByForgeID(ctx, db, forgeUserID)
	if err == nil {
		return store.UpdateUserLogin(ctx, db, existing.ID, info.Login, encrypted)
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	return store.InsertUser(ctx, db, store.User{
		ID: idgen.New(idgen.PrefixUser), ForgeUserID: forgeUserID, ForgeLogin: info.Login,
		Status: "active", EncryptedAccessToken: encrypted,
	})
}
