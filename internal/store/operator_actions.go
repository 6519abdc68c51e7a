package store

import (
	"context"
	"fmt"
	"time"
)

// InsertOperatorAction appends an audit record for an operator-triggered
// phase transition (§3, §4.9).
func InsertOperatorAction(ctx context.Context, q Querier, a OperatorAction) (*OperatorAction, error) {
	now := time.Now().UTC()
	a.CreatedAt = now
	_, err := q.ExecContext(ctx, `INSERT INTO operator_actions (id, run_id, actor_id, actor_type, action_kind, comment, from_phase, to_phase, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.ActorID, a.ActorType, a.ActionKind, a.Comment, a.FromPhase, a.ToPhase, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert operator action: %w", err)
	}
	return &a, nil
}

// ListOperatorActionsForRun returns every audit record for a run, oldest first.
func ListOperatorActionsForRun(ctx context.Context, q Querier, runID string) ([]OperatorAction, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, run_id, actor_id, actor_type, action_kind, comment, from_phase, to_phase, created_at
		FROM operator_actions WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list operator actions: %w", err)
	}
	defer rows.Close()

	var out []OperatorAction
	for rows.Next() {
		var a OperatorAction
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RunID, &a.ActorID, &a.ActorType, &a.ActionKind, &a.Comment, &a.FromPhase, &a.ToPhase, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan operator action: %w", err)
		}
		var err error
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
