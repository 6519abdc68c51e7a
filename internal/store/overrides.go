package store

import (
	"context"
	"fmt"
	"time"
)

// InsertOverride records a granted policy exception (§3, §4.9
// grant_policy_exception). Created only after blocked-context policy
// details are fully known.
func InsertOverride(ctx context.Context, q Querier, o Override) (*Override, error) {
	now := time.Now().UTC()
	o.CreatedAt = now
	_, err := q.ExecContext(ctx, `INSERT INTO overrides
		(id, run_id, kind, scope, constraint_kind, constraint_value, constraint_hash, policy_set_id, operator_id, justification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RunID, o.Kind, string(o.Scope), o.ConstraintKind, o.ConstraintValue, o.ConstraintHash, o.PolicySetID,
		o.OperatorID, o.Justification, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert override: %w", err)
	}
	return &o, nil
}

// ListOverridesForRun returns every override granted for a run, oldest first.
func ListOverridesForRun(ctx context.Context, q Querier, runID string) ([]Override, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, run_id, kind, scope, constraint_kind, constraint_value, constraint_hash, policy_set_id, operator_id, justification, created_at
		FROM overrides WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list overrides: %w", err)
	}
	defer rows.Close()

	var out []Override
	for rows.Next() {
		var o Override
		var scope, createdAt string
		if err := rows.Scan(&o.ID, &o.RunID, &o.Kind, &scope, &o.ConstraintKind, &o.ConstraintValue, &o.ConstraintHash,
			&o.PolicySetID, &o.OperatorID, &o.Justification, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan override: %w", err)
		}
		o.Scope = OverrideScope(scope)
		var err error
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
