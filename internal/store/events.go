package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertEvent appends an event row and returns it with its assigned global
// sequence number. Returns ErrDuplicate if idempotencyKey already exists —
// callers must insert within the same transaction as the state change that
// produced the event (§4.3).
func InsertEvent(ctx context.Context, q Querier, e Event) (*Event, error) {
	now := time.Now().UTC()
	e.CreatedAt = now
	res, err := q.ExecContext(ctx, `INSERT INTO events (id, project_id, run_id, type, class, payload_json, idempotency_key, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, nullString(e.RunID), e.Type, e.Class, e.PayloadJSON, e.IdempotencyKey, e.Source, formatTime(now))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("store: insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: event last insert id: %w", err)
	}
	e.Sequence = seq
	return &e, nil
}

// ErrDuplicate is returned when an insert collides with a uniqueness
// constraint the caller is expected to treat as an idempotent no-op.
var ErrDuplicate = errors.New("store: duplicate")

// QueryStreamEventsForReplay returns events with sequence > sinceSequence
// for the given project ids, ordered ascending, capped at limit. Callers
// pass one more than their threshold so they can detect "more than
// threshold" without a second COUNT query.
func QueryStreamEventsForReplay(ctx context.Context, q Querier, sinceSequence int64, projectIDs []string, limit int) ([]Event, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	query, args := inClauseQuery(eventSelect+`WHERE sequence > ? AND project_id IN (%s) ORDER BY sequence ASC LIMIT ?`,
		projectIDs, append([]any{sinceSequence}, anySlice(projectIDs)...), limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query replay events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryRecentStreamEventsEnriched returns the most recent events across the
// given projects, joined with project name and task title.
func QueryRecentStreamEventsEnriched(ctx context.Context, q Querier, projectIDs []string, limit int) ([]EnrichedEvent, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	base := `SELECT e.sequence, e.id, e.project_id, e.run_id, e.type, e.class, e.payload_json, e.idempotency_key, e.source, e.created_at,
		COALESCE(p.forge_org_login, ''), COALESCE(t.title, '')
		FROM events e
		LEFT JOIN projects p ON p.id = e.project_id
		LEFT JOIN runs r ON r.id = e.run_id
		LEFT JOIN tasks t ON t.id = r.task_id
		WHERE e.project_id IN (%s) ORDER BY e.sequence DESC LIMIT ?`
	query, args := inClauseQuery(base, projectIDs, anySlice(projectIDs), limit)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query enriched events: %w", err)
	}
	defer rows.Close()

	var out []EnrichedEvent
	for rows.Next() {
		var e Event
		var runID, createdAt sql.NullString
		var projectName, taskTitle string
		if err := rows.Scan(&e.Sequence, &e.ID, &e.ProjectID, &runID, &e.Type, &e.Class, &e.PayloadJSON, &e.IdempotencyKey,
			&e.Source, &createdAt, &projectName, &taskTitle); err != nil {
			return nil, fmt.Errorf("store: scan enriched event: %w", err)
		}
		e.RunID = scanNullString(runID)
		var err error
		if e.CreatedAt, err = parseTime(createdAt.String); err != nil {
			return nil, err
		}
		out = append(out, EnrichedEvent{Event: e, ProjectName: projectName, TaskTitle: taskTitle})
	}
	return out, rows.Err()
}

// EnrichedEvent pairs an Event with denormalized display fields.
type EnrichedEvent struct {
	Event
	ProjectName string
	TaskTitle   string
}

const eventSelect = `SELECT sequence, id, project_id, run_id, type, class, payload_json, idempotency_key, source, created_at FROM events `

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var runID sql.NullString
		var createdAt string
		if err := rows.Scan(&e.Sequence, &e.ID, &e.ProjectID, &runID, &e.Type, &e.Class, &e.PayloadJSON, &e.IdempotencyKey,
			&e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.RunID = scanNullString(runID)
		var err error
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
