package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertRepo creates a new repo row, unique on forge_node_id so C6 can
// resolve a webhook's repository to its owning project.
func InsertRepo(ctx context.Context, q Querier, r Repo) (*Repo, error) {
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := q.ExecContext(ctx, `INSERT INTO repos
		(id, project_id, forge_repo_id, forge_node_id, owner, name, default_branch, profile_id, status, last_fetched_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.ForgeRepoID, r.ForgeNodeID, r.Owner, r.Name, r.DefaultBranch, r.ProfileID, string(r.Status),
		nullTime(r.LastFetchedAt), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert repo: %w", err)
	}
	return &r, nil
}

// GetRepo fetches a repo by id.
func GetRepo(ctx context.Context, q Querier, id string) (*Repo, error) {
	row := q.QueryRowContext(ctx, repoSelect+`WHERE id = ?`, id)
	return scanRepo(row)
}

// GetRepoByNodeID resolves the repo (and transitively the project) owning
// a webhook's repository node id.
func GetRepoByNodeID(ctx context.Context, q Querier, nodeID string) (*Repo, error) {
	row := q.QueryRowContext(ctx, repoSelect+`WHERE forge_node_id = ?`, nodeID)
	return scanRepo(row)
}

// UpdateRepoStatus transitions a repo's sync status and optionally its
// last-fetched timestamp.
func UpdateRepoStatus(ctx context.Context, q Querier, id string, status RepoStatus, lastFetchedAt *time.Time) (*Repo, error) {
	res, err := q.ExecContext(ctx, `UPDATE repos SET status = ?, last_fetched_at = COALESCE(?, last_fetched_at), updated_at = ? WHERE id = ?`,
		string(status), nullTime(lastFetchedAt), formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("store: update repo status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	return GetRepo(ctx, q, id)
}

const repoSelect = `SELECT id, project_id, forge_repo_id, forge_node_id, owner, name, default_branch, profile_id, status, last_fetched_at, created_at, updated_at
	FROM repos `

func scanRepo(row *sql.Row) (*Repo, error) {
	var r Repo
	var status, createdAt, updatedAt string
	var lastFetched sql.NullString
	if err := row.Scan(&r.ID, &r.ProjectID, &r.ForgeRepoID, &r.ForgeNodeID, &r.Owner, &r.Name, &r.DefaultBranch, &r.ProfileID,
		&status, &lastFetched, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan repo: %w", err)
	}
	r.Status = RepoStatus(status)
	var err error
	if r.LastFetchedAt, err = scanNullTime(lastFetched); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
