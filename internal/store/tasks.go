package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertTask creates a new task row.
func InsertTask(ctx context.Context, q Querier, t Task) (*Task, error) {
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.LabelsJSON == "" {
		t.LabelsJSON = "[]"
	}
	_, err := q.ExecContext(ctx, `INSERT INTO tasks
		(id, project_id, repo_id, forge_issue_id, forge_node_id, title, body, state, labels_json, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.RepoID, t.ForgeIssueID, t.ForgeNodeID, t.Title, t.Body, t.State, t.LabelsJSON,
		nullString(t.ActiveRunID), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert task: %w", err)
	}
	return &t, nil
}

// GetTask fetches a task by id.
func GetTask(ctx context.Context, q Querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, taskSelect+`WHERE id = ?`, id)
	return scanTask(row)
}

// GetTaskByForgeNodeID resolves a task by its forge issue node id.
func GetTaskByForgeNodeID(ctx context.Context, q Querier, nodeID string) (*Task, error) {
	row := q.QueryRowContext(ctx, taskSelect+`WHERE forge_node_id = ?`, nodeID)
	return scanTask(row)
}

// SetTaskActiveRun sets or clears the task's active, non-terminal run.
// A task has at most one non-terminal run at a time (§3 invariant) — callers
// are responsible for enforcing that within the same transaction that
// creates the run.
func SetTaskActiveRun(ctx context.Context, q Querier, taskID string, runID *string) error {
	res, err := q.ExecContext(ctx, `UPDATE tasks SET active_run_id = ?, updated_at = ? WHERE id = ?`,
		nullString(runID), formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("store: set task active run: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

const taskSelect = `SELECT id, project_id, repo_id, forge_issue_id, forge_node_id, title, body, state, labels_json, active_run_id, created_at, updated_at
	FROM tasks `

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var createdAt, updatedAt string
	var activeRunID sql.NullString
	if err := row.Scan(&t.ID, &t.ProjectID, &t.RepoID, &t.ForgeIssueID, &t.ForgeNodeID, &t.Title, &t.Body, &t.State, &t.LabelsJSON,
		&activeRunID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.ActiveRunID = scanNullString(activeRunID)
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
