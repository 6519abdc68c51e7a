package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertGithubWrite records a pending external write in the outbox.
// Callers must insert this in the same transaction as the state change
// that logically caused it (§4.4).
func InsertGithubWrite(ctx context.Context, q Querier, w GithubWrite) (*GithubWrite, error) {
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now
	if w.Status == "" {
		w.Status = WriteStatusPending
	}
	_, err := q.ExecContext(ctx, `INSERT INTO github_writes
		(id, run_id, kind, target_node_id, idempotency_key, payload_json, status, retry_count, last_error, result_id, result_url, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RunID, w.Kind, w.TargetNodeID, w.IdempotencyKey, w.PayloadJSON, string(w.Status), w.RetryCount, w.LastError,
		w.ResultID, w.ResultURL, formatTime(now), formatTime(now), nullTime(w.CompletedAt))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: insert github write: %w", err)
	}
	return &w, nil
}

// GetGithubWrite fetches an outbox row by id.
func GetGithubWrite(ctx context.Context, q Querier, id string) (*GithubWrite, error) {
	row := q.QueryRowContext(ctx, githubWriteSelect+`WHERE id = ?`, id)
	return scanGithubWrite(row)
}

// MarkGithubWriteInFlight transitions pending → in_flight. Returns
// ErrPhaseMismatch if the row was not pending (e.g. already claimed by
// another worker), enforcing the strict-monotonicity invariant of §8.
func MarkGithubWriteInFlight(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `UPDATE github_writes SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(WriteStatusInFlight), formatTime(time.Now()), id, string(WriteStatusPending))
	if err != nil {
		return fmt.Errorf("store: mark github write in-flight: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPhaseMismatch
	}
	return nil
}

// CompleteGithubWrite marks an outbox row completed with the forge's
// returned identifier and URL.
func CompleteGithubWrite(ctx context.Context, q Querier, id, resultID, resultURL string) error {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `UPDATE github_writes SET status = ?, result_id = ?, result_url = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(WriteStatusCompleted), resultID, resultURL, formatTime(now), formatTime(now), id, string(WriteStatusInFlight))
	if err != nil {
		return fmt.Errorf("store: complete github write: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPhaseMismatch
	}
	return nil
}

// FailGithubWritePermanently marks an outbox row permanently failed
// (§4.4: permanent classification writes status failed with error text).
func FailGithubWritePermanently(ctx context.Context, q Querier, id, errText string) error {
	now := time.Now().UTC()
	res, err := q.ExecContext(ctx, `UPDATE github_writes SET status = ?, last_error = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(WriteStatusFailed), errText, formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("store: fail github write: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RetryGithubWrite reverts an in-flight row to pending, bumping retry_count
// and recording the transient error, so the queue's own retry can re-pick it.
func RetryGithubWrite(ctx context.Context, q Querier, id, errText string) error {
	res, err := q.ExecContext(ctx, `UPDATE github_writes SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		string(WriteStatusPending), errText, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: retry github write: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

const githubWriteSelect = `SELECT id, run_id, kind, target_node_id, idempotency_key, payload_json, status, retry_count, last_error, result_id, result_url, created_at, updated_at, completed_at
	FROM github_writes `

func scanGithubWrite(row *sql.Row) (*GithubWrite, error) {
	var w GithubWrite
	var status, createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&w.ID, &w.RunID, &w.Kind, &w.TargetNodeID, &w.IdempotencyKey, &w.PayloadJSON, &status, &w.RetryCount,
		&w.LastError, &w.ResultID, &w.ResultURL, &createdAt, &updatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan github write: %w", err)
	}
	w.Status = WriteStatus(status)
	var err error
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if w.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
