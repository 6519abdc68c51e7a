package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/conductor-sh/conductor/internal/store"
)

const (
	sessionCookieName = "conductor_session"
	sessionTTL         = 30 * 24 * time.Hour
)

func hashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// createSession mints an opaque high-entropy token, stores its SHA-256 hash
// (hashSessionToken; the hash is not salted), and sets the session cookie
// on w (§4.13).
func (p *Provider) createSession(w http.ResponseWriter, r *http.Request, userID string) error {
	token, err := randomToken(32)
	if err != nil {
		return err
	}
	if err := store.InsertSession(r.Context(), p.db(), store.Session{
		TokenHash: hashSessionToken(token),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(sessionTTL),
	}); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   p.cfg.Secure,
		MaxAge:   int(sessionTTL.Seconds()),
		Expires:  time.Now().Add(sessionTTL),
	})
	return nil
}

// UserIDFromRequest implements sse.UserIdentifier: resolves the session
// cookie to a live, unexpired user id.
func (p *Provider) UserIDFromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", http.ErrNoCookie
	}
	sess, err := store.GetSession(r.Context(), p.db(), hashSessionToken(cookie.Value))
	if err != nil {
		return "", err
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return "", http.ErrNoCookie
	}
	return sess.UserID, nil
}

// Logout deletes the session and clears the cookie.
func (p *Provider) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		_ = store.DeleteSession(r.Context(), p.db(), hashSessionToken(cookie.Value))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   p.cfg.Secure,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
}
