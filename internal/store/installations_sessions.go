package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPendingInstallation binds a forge installation to an authenticated
// user, owned exclusively by that user (§4.13). Reassigning an installation
// already bound to a different user is a caller-level decision (cross-user
// hijack rejection happens before this is ever called).
func UpsertPendingInstallation(ctx context.Context, q Querier, p PendingInstallation) (*PendingInstallation, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	_, err := q.ExecContext(ctx, `INSERT INTO pending_github_installations (id, user_id, forge_installation_id, forge_org_login, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(forge_installation_id) DO UPDATE SET user_id = excluded.user_id, forge_org_login = excluded.forge_org_login`,
		p.ID, p.UserID, p.ForgeInstallationID, p.ForgeOrgLogin, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: upsert pending installation: %w", err)
	}
	return &p, nil
}

// GetPendingInstallation fetches a pending installation by forge installation id.
func GetPendingInstallation(ctx context.Context, q Querier, installationID string) (*PendingInstallation, error) {
	row := q.QueryRowContext(ctx, `SELECT id, user_id, forge_installation_id, forge_org_login, created_at
		FROM pending_github_installations WHERE forge_installation_id = ?`, installationID)
	var p PendingInstallation
	var createdAt string
	if err := row.Scan(&p.ID, &p.UserID, &p.ForgeInstallationID, &p.ForgeOrgLogin, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan pending installation: %w", err)
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePendingInstallation removes a pending installation row, called
// atomically with project creation (§3).
func DeletePendingInstallation(ctx context.Context, q Querier, installationID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM pending_github_installations WHERE forge_installation_id = ?`, installationID); err != nil {
		return fmt.Errorf("store: delete pending installation: %w", err)
	}
	return nil
}

// Session is a server-side record of an opaque session token's SHA-256
// hash; the hash is not salted.
type Session struct {
	TokenHash string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// InsertSession records a new session (§4.13).
func InsertSession(ctx context.Context, q Querier, s Session) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	if _, err := q.ExecContext(ctx, `INSERT INTO sessions (token_hash, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		s.TokenHash, s.UserID, formatTime(now), formatTime(s.ExpiresAt)); err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by its token hash.
func GetSession(ctx context.Context, q Querier, tokenHash string) (*Session, error) {
	row := q.QueryRowContext(ctx, `SELECT token_hash, user_id, created_at, expires_at FROM sessions WHERE token_hash = ?`, tokenHash)
	var s Session
	var createdAt, expiresAt string
	if err := row.Scan(&s.TokenHash, &s.UserID, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session (logout).
func DeleteSession(ctx context.Context, q Querier, tokenHash string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}
