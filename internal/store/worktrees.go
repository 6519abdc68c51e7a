package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertWorktree creates a new active worktree row. Callers must first
// check GetActiveWorktreeForRun returns ErrNotFound — createWorktree is not
// itself idempotent (§4.10).
func InsertWorktree(ctx context.Context, q Querier, w Worktree) (*Worktree, error) {
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.Status == "" {
		w.Status = WorktreeActive
	}
	if w.AllocatedPortsJSON == "" {
		w.AllocatedPortsJSON = "[]"
	}
	_, err := q.ExecContext(ctx, `INSERT INTO worktrees
		(id, run_id, project_id, repo_id, path, branch_name, base_commit, allocated_ports_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RunID, w.ProjectID, w.RepoID, w.Path, w.BranchName, w.BaseCommit, w.AllocatedPortsJSON, string(w.Status),
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert worktree: %w", err)
	}
	return &w, nil
}

// GetActiveWorktreeForRun returns the run's active worktree, or ErrNotFound.
func GetActiveWorktreeForRun(ctx context.Context, q Querier, runID string) (*Worktree, error) {
	row := q.QueryRowContext(ctx, worktreeSelect+`WHERE run_id = ? AND status = ?`, runID, string(WorktreeActive))
	return scanWorktree(row)
}

// GetWorktree fetches a worktree by id.
func GetWorktree(ctx context.Context, q Querier, id string) (*Worktree, error) {
	row := q.QueryRowContext(ctx, worktreeSelect+`WHERE id = ?`, id)
	return scanWorktree(row)
}

// ListActiveWorktrees returns every currently-active worktree, used by the
// janitor sweep (§4.10).
func ListActiveWorktrees(ctx context.Context, q Querier) ([]Worktree, error) {
	rows, err := q.QueryContext(ctx, worktreeSelect+`WHERE status = ?`, string(WorktreeActive))
	if err != nil {
		return nil, fmt.Errorf("store: list active worktrees: %w", err)
	}
	defer rows.Close()
	return scanWorktrees(rows)
}

// UpdateWorktreeStatus transitions a worktree's status.
func UpdateWorktreeStatus(ctx context.Context, q Querier, id string, status WorktreeStatus) error {
	res, err := q.ExecContext(ctx, `UPDATE worktrees SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update worktree status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocatePort reserves the first free port in [start, end] for a project,
// inside a transaction, by inserting into the ports table keyed by
// (project_id, port) (§5 shared-resource policy). Returns ErrNoFreePort if
// the range is exhausted.
func AllocatePort(ctx context.Context, q Querier, projectID string, start, end int, worktreeID string) (int, error) {
	rows, err := q.QueryContext(ctx, `SELECT port FROM ports WHERE project_id = ? AND port BETWEEN ? AND ?`, projectID, start, end)
	if err != nil {
		return 0, fmt.Errorf("store: list allocated ports: %w", err)
	}
	taken := map[int]bool{}
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan allocated port: %w", err)
		}
		taken[p] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for port := start; port <= end; port++ {
		if !taken[port] {
			if _, err := q.ExecContext(ctx, `INSERT INTO ports (project_id, port, worktree_id, created_at) VALUES (?, ?, ?, ?)`,
				projectID, port, worktreeID, formatTime(time.Now())); err != nil {
				return 0, fmt.Errorf("store: allocate port %d: %w", port, err)
			}
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

// ErrNoFreePort is returned when a project's port range is exhausted.
var ErrNoFreePort = errors.New("store: no free port in range")

// ReleasePortsForWorktree frees every port held by a worktree.
func ReleasePortsForWorktree(ctx context.Context, q Querier, worktreeID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM ports WHERE worktree_id = ?`, worktreeID); err != nil {
		return fmt.Errorf("store: release ports: %w", err)
	}
	return nil
}

// ReleaseOrphanedPorts frees any port whose owning worktree is not active,
// used by the janitor sweep's port-reconciliation pass (§4.10c).
func ReleaseOrphanedPorts(ctx context.Context, q Querier) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM ports WHERE worktree_id NOT IN (SELECT id FROM worktrees WHERE status = ?)`,
		string(WorktreeActive))
	if err != nil {
		return 0, fmt.Errorf("store: release orphaned ports: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const worktreeSelect = `SELECT id, run_id, project_id, repo_id, path, branch_name, base_commit, allocated_ports_json, status, created_at, updated_at
	FROM worktrees `

func scanWorktree(row *sql.Row) (*Worktree, error) {
	var w Worktree
	var status, createdAt, updatedAt string
	if err := row.Scan(&w.ID, &w.RunID, &w.ProjectID, &w.RepoID, &w.Path, &w.BranchName, &w.BaseCommit, &w.AllocatedPortsJSON,
		&status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan worktree: %w", err)
	}
	w.Status = WorktreeStatus(status)
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWorktrees(rows *sql.Rows) ([]Worktree, error) {
	var out []Worktree
	for rows.Next() {
		var w Worktree
		var status, createdAt, updatedAt string
		if err := rows.Scan(&w.ID, &w.RunID, &w.ProjectID, &w.RepoID, &w.Path, &w.BranchName, &w.BaseCommit, &w.AllocatedPortsJSON,
			&status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan worktree: %w", err)
		}
		w.Status = WorktreeStatus(status)
		var err error
		if w.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
