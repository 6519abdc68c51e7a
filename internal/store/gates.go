package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertGateDefinition idempotently seeds a gate definition, used by
// ensureBuiltInGateDefinitions at startup (§4.8). Existing rows are left
// untouched so an operator's config edits are never clobbered by a restart.
func UpsertGateDefinition(ctx context.Context, q Querier, d GateDefinition) error {
	_, err := q.ExecContext(ctx, `INSERT INTO gate_definitions (id, kind, description, default_config_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, string(d.Kind), d.Description, d.DefaultConfigJSON, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: upsert gate definition: %w", err)
	}
	return nil
}

// GetGateDefinition fetches a gate definition by id.
func GetGateDefinition(ctx context.Context, q Querier, id string) (*GateDefinition, error) {
	row := q.QueryRowContext(ctx, `SELECT id, kind, description, default_config_json, created_at FROM gate_definitions WHERE id = ?`, id)
	var d GateDefinition
	var kind, createdAt string
	if err := row.Scan(&d.ID, &kind, &d.Description, &d.DefaultConfigJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan gate definition: %w", err)
	}
	d.Kind = GateKind(kind)
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertGateEvaluation appends a new gate evaluation row (§4.8).
func InsertGateEvaluation(ctx context.Context, q Querier, e GateEvaluation) (*GateEvaluation, error) {
	now := time.Now().UTC()
	e.EvaluatedAt = now
	_, err := q.ExecContext(ctx, `INSERT INTO gate_evaluations
		(id, run_id, gate_id, kind, status, reason, details_json, causation_event_id, causation_sequence, duration_ms, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.GateID, string(e.Kind), string(e.Status), e.Reason, e.DetailsJSON, e.CausationEventID,
		e.CausationSequence, e.DurationMs, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert gate evaluation: %w", err)
	}
	return &e, nil
}

// GetLatestGateEvaluation returns the evaluation whose causation event has
// the largest sequence among all evaluations for (runID, gateID).
func GetLatestGateEvaluation(ctx context.Context, q Querier, runID, gateID string) (*GateEvaluation, error) {
	row := q.QueryRowContext(ctx, `SELECT id, run_id, gate_id, kind, status, reason, details_json, causation_event_id, causation_sequence, duration_ms, evaluated_at
		FROM gate_evaluations WHERE run_id = ? AND gate_id = ? ORDER BY causation_sequence DESC LIMIT 1`, runID, gateID)
	return scanGateEvaluation(row)
}

// ListGateEvaluationsForRun returns the latest evaluation per gate id for a
// run, used by deriveGateState (§4.8). Gates with no evaluation are absent.
func ListGateEvaluationsForRun(ctx context.Context, q Querier, runID string) (map[string]GateEvaluation, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, run_id, gate_id, kind, status, reason, details_json, causation_event_id, causation_sequence, duration_ms, evaluated_at
		FROM gate_evaluations WHERE run_id = ? ORDER BY causation_sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list gate evaluations: %w", err)
	}
	defer rows.Close()

	latest := map[string]GateEvaluation{}
	for rows.Next() {
		var e GateEvaluation
		var kind, status, evaluatedAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.GateID, &kind, &status, &e.Reason, &e.DetailsJSON, &e.CausationEventID,
			&e.CausationSequence, &e.DurationMs, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("store: scan gate evaluation: %w", err)
		}
		e.Kind = GateKind(kind)
		e.Status = GateStatus(status)
		var err error
		if e.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
			return nil, err
		}
		// Ascending scan order means the last write for a gate id wins,
		// which is exactly the highest causation sequence.
		latest[e.GateID] = e
	}
	return latest, rows.Err()
}

func scanGateEvaluation(row *sql.Row) (*GateEvaluation, error) {
	var e GateEvaluation
	var kind, status, evaluatedAt string
	if err := row.Scan(&e.ID, &e.RunID, &e.GateID, &kind, &status, &e.Reason, &e.DetailsJSON, &e.CausationEventID,
		&e.CausationSequence, &e.DurationMs, &evaluatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan gate evaluation: %w", err)
	}
	e.Kind = GateKind(kind)
	e.Status = GateStatus(status)
	var err error
	if e.EvaluatedAt, err = parseTime(evaluatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
