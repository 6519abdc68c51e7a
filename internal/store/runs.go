package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPhaseMismatch is returned by UpdateRunPhase when the run's current
// phase no longer matches the expected fromPhase, signalling a concurrent
// transition already took effect.
var ErrPhaseMismatch = errors.New("store: run phase mismatch")

// InsertRun creates a new run, starting in PhasePending (§3) when r.Phase
// is unset; a non-empty r.Phase is stored as given.
func InsertRun(ctx context.Context, q Querier, r Run) (*Run, error) {
	now := time.Now().UTC()
	r.StartedAt, r.UpdatedAt = now, now
	if r.Phase == "" {
		r.Phase = PhasePending
	}
	_, err := q.ExecContext(ctx, `INSERT INTO runs
		(id, task_id, project_id, repo_id, run_number, branch, head_commit, base_branch, phase, step, status, result, result_reason,
		 plan_revisions, blocked_reason, blocked_context_json, started_at, updated_at, completed_at, last_event_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.ProjectID, r.RepoID, r.RunNumber, r.Branch, r.HeadCommit, r.BaseBranch, string(r.Phase), r.Step,
		r.Status, r.Result, r.ResultReason, r.PlanRevisions, r.BlockedReason, r.BlockedContextJSON,
		formatTime(now), formatTime(now), nullTime(r.CompletedAt), r.LastEventSequence)
	if err != nil {
		return nil, fmt.Errorf("store: insert run: %w", err)
	}
	return &r, nil
}

// GetRun fetches a run by id.
func GetRun(ctx context.Context, q Querier, id string) (*Run, error) {
	row := q.QueryRowContext(ctx, runSelect+`WHERE id = ?`, id)
	return scanRun(row)
}

// ListRunsAwaitingGates returns runs in awaiting_plan_approval or blocked,
// ordered oldest-updated-first (§4.8 getRunsAwaitingGates).
func ListRunsAwaitingGates(ctx context.Context, q Querier, projectID string) ([]Run, error) {
	rows, err := q.QueryContext(ctx, runSelect+`WHERE project_id = ? AND phase IN (?, ?) ORDER BY updated_at ASC`,
		projectID, string(PhaseAwaitingPlanApproval), string(PhaseBlocked))
	if err != nil {
		return nil, fmt.Errorf("store: list runs awaiting gates: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListRunsInPhases returns every run currently in one of the given phases,
// across all projects, ordered oldest-updated-first. Unlike
// ListRunsAwaitingGates this isn't project-scoped: the timeout sweep has to
// look at the whole table each pass.
func ListRunsInPhases(ctx context.Context, q Querier, phases ...Phase) ([]Run, error) {
	if len(phases) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(phases))
	args := make([]any, len(phases))
	for i, p := range phases {
		placeholders[i] = "?"
		args[i] = string(p)
	}
	rows, err := q.QueryContext(ctx, runSelect+`WHERE phase IN (`+strings.Join(placeholders, ",")+`) ORDER BY updated_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs in phases: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// NextRunNumber returns the next run number for a task (1-based).
func NextRunNumber(ctx context.Context, q Querier, taskID string) (int, error) {
	var max sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(run_number) FROM runs WHERE task_id = ?`, taskID).Scan(&max); err != nil {
		return 0, fmt.Errorf("store: next run number: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// RunPhaseUpdate carries every optional field a phase transition may set.
type RunPhaseUpdate struct {
	ToPhase            Phase
	ToStep             string
	Result             *string
	ResultReason       *string
	BlockedReason      *string
	BlockedContextJSON *string
	CompletedAt        *time.Time
	ClearBlocked       bool
}

// UpdateRunPhase performs the compare-and-swap at the heart of C7:
// the row is only updated if its current phase still equals fromPhase.
// Zero rows affected means a concurrent transition already moved it,
// surfaced as ErrPhaseMismatch so the caller (internal/runstate) can
// translate it into InvalidTransition or AlreadyTerminal.
func UpdateRunPhase(ctx context.Context, q Querier, runID string, fromPhase Phase, u RunPhaseUpdate) (*Run, error) {
	now := time.Now().UTC()

	blockedReason := ""
	blockedContext := ""
	if !u.ClearBlocked {
		if u.BlockedReason != nil {
			blockedReason = *u.BlockedReason
		}
		if u.BlockedContextJSON != nil {
			blockedContext = *u.BlockedContextJSON
		}
	}

	result := sql.NullString{}
	if u.Result != nil {
		result = sql.NullString{String: *u.Result, Valid: true}
	}
	resultReason := sql.NullString{}
	if u.ResultReason != nil {
		resultReason = sql.NullString{String: *u.ResultReason, Valid: true}
	}

	res, err := q.ExecContext(ctx, `UPDATE runs SET
			phase = ?,
			step = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			result_reason = CASE WHEN ? THEN ? ELSE result_reason END,
			blocked_reason = ?,
			blocked_context_json = ?,
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE id = ? AND phase = ?`,
		string(u.ToPhase), u.ToStep,
		result.Valid, result.String,
		resultReason.Valid, resultReason.String,
		blockedReason, blockedContext,
		nullTime(u.CompletedAt),
		formatTime(now),
		runID, string(fromPhase),
	)
	if err != nil {
		return nil, fmt.Errorf("store: update run phase: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, ErrPhaseMismatch
	}
	return GetRun(ctx, q, runID)
}

// IncrementPlanRevisions bumps plan_revisions by one and returns the new
// count, used by the revise_plan operator action (§4.9).
func IncrementPlanRevisions(ctx context.Context, q Querier, runID string) (int, error) {
	res, err := q.ExecContext(ctx, `UPDATE runs SET plan_revisions = plan_revisions + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), runID)
	if err != nil {
		return 0, fmt.Errorf("store: increment plan revisions: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, ErrNotFound
	}
	r, err := GetRun(ctx, q, runID)
	if err != nil {
		return 0, err
	}
	return r.PlanRevisions, nil
}

// SetRunLastEventSequence records the sequence of the most recent event
// appended for this run, used to detect stale reads in recovery sweeps.
func SetRunLastEventSequence(ctx context.Context, q Querier, runID string, sequence int64) error {
	_, err := q.ExecContext(ctx, `UPDATE runs SET last_event_sequence = ?, updated_at = ? WHERE id = ?`,
		sequence, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("store: set run last event sequence: %w", err)
	}
	return nil
}

const runSelect = `SELECT id, task_id, project_id, repo_id, run_number, branch, head_commit, base_branch, phase, step, status,
	result, result_reason, plan_revisions, blocked_reason, blocked_context_json, started_at, updated_at, completed_at, last_event_sequence
	FROM runs `

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var phase, startedAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.RepoID, &r.RunNumber, &r.Branch, &r.HeadCommit, &r.BaseBranch,
		&phase, &r.Step, &r.Status, &r.Result, &r.ResultReason, &r.PlanRevisions, &r.BlockedReason, &r.BlockedContextJSON,
		&startedAt, &updatedAt, &completedAt, &r.LastEventSequence); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.Phase = Phase(phase)
	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if r.CompletedAt, err = scanNullTime(completedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var r Run
		var phase, startedAt, updatedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.RepoID, &r.RunNumber, &r.Branch, &r.HeadCommit, &r.BaseBranch,
			&phase, &r.Step, &r.Status, &r.Result, &r.ResultReason, &r.PlanRevisions, &r.BlockedReason, &r.BlockedContextJSON,
			&startedAt, &updatedAt, &completedAt, &r.LastEventSequence); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.Phase = Phase(phase)
		var err error
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = scanNullTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
