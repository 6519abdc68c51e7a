package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a get/update/delete targets a missing row.
var ErrNotFound = errors.New("store: not found")

// InsertUser creates a new user row.
func InsertUser(ctx context.Context, q Querier, u User) (*User, error) {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO users (id, forge_user_id, forge_login, status, encrypted_access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ForgeUserID, u.ForgeLogin, u.Status, u.EncryptedAccessToken, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert user: %w", err)
	}
	return &u, nil
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, q Querier, id string) (*User, error) {
	row := q.QueryRowContext(ctx, `SELECT id, forge_user_id, forge_login, status, encrypted_access_token, created_at, updated_at
		FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByForgeID fetches a user by their forge-assigned identity.
func GetUserByForgeID(ctx context.Context, q Querier, forgeUserID string) (*User, error) {
	row := q.QueryRowContext(ctx, `SELECT id, forge_user_id, forge_login, status, encrypted_access_token, created_at, updated_at
		FROM users WHERE forge_user_id = ?`, forgeUserID)
	return scanUser(row)
}

// UpdateUserLogin refreshes login-derived fields on an existing user.
func UpdateUserLogin(ctx context.Context, q Querier, id, forgeLogin, encryptedAccessToken string) (*User, error) {
	now := formatTime(time.Now())
	res, err := q.ExecContext(ctx, `UPDATE users SET forge_login = ?, encrypted_access_token = ?, updated_at = ? WHERE id = ?`,
		forgeLogin, encryptedAccessToken, now, id)
	if err != nil {
		return nil, fmt.Errorf("store: update user: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	return GetUser(ctx, q, id)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt, updatedAt string
	if err := row.Scan(&u.ID, &u.ForgeUserID, &u.ForgeLogin, &u.Status, &u.EncryptedAccessToken, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
