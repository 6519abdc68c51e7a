package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertProject creates a new project. Fails on the (user_id,
// forge_installation_id) uniqueness constraint from §3.
func InsertProject(ctx context.Context, q Querier, p Project) (*Project, error) {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO projects
		(id, user_id, forge_org_id, forge_org_login, forge_installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.ForgeOrgID, p.ForgeOrgLogin, p.ForgeInstallationID, p.DefaultBranch, p.PortRangeStart, p.PortRangeEnd,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert project: %w", err)
	}
	return &p, nil
}

// GetProject fetches a project by id.
func GetProject(ctx context.Context, q Querier, id string) (*Project, error) {
	row := q.QueryRowContext(ctx, `SELECT id, user_id, forge_org_id, forge_org_login, forge_installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// GetProjectByInstallation resolves a project by forge installation id,
// whichever user owns it, used by the OAuth installation callback to detect
// an installation already bound to another user (§4.13). When several
// projects share the installation id, one of them is returned.
func GetProjectByInstallation(ctx context.Context, q Querier, installationID string) (*Project, error) {
	row := q.QueryRowContext(ctx, `SELECT id, user_id, forge_org_id, forge_org_login, forge_installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE forge_installation_id = ?`, installationID)
	return scanProject(row)
}

// ListProjectsByUser returns every project owned by userID.
func ListProjectsByUser(ctx context.Context, q Querier, userID string) ([]Project, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, user_id, forge_org_id, forge_org_login, forge_installation_id, default_branch, port_range_start, port_range_end, created_at, updated_at
		FROM projects WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.ForgeOrgID, &p.ForgeOrgLogin, &p.ForgeInstallationID, &p.DefaultBranch,
			&p.PortRangeStart, &p.PortRangeEnd, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProject(row *sql.Row) (*Project, error) {
	var p Project
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.UserID, &p.ForgeOrgID, &p.ForgeOrgLogin, &p.ForgeInstallationID, &p.DefaultBranch,
		&p.PortRangeStart, &p.PortRangeEnd, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan project: %w", err)
	}
	var err error
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
