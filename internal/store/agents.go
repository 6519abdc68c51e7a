package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertAgentInvocation creates a new agent invocation, defaulting to
// AgentInvocationPending and turn_index 0 (§4.11 agents handler).
func InsertAgentInvocation(ctx context.Context, q Querier, inv AgentInvocation) (*AgentInvocation, error) {
	now := time.Now().UTC()
	inv.CreatedAt, inv.UpdatedAt = now, now
	if inv.Status == "" {
		inv.Status = AgentInvocationPending
	}
	_, err := q.ExecContext(ctx, `INSERT INTO agent_invocations
		(id, run_id, agent_kind, status, turn_index, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.RunID, inv.AgentKind, string(inv.Status), inv.TurnIndex, inv.Error,
		formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert agent invocation: %w", err)
	}
	return &inv, nil
}

// GetAgentInvocation fetches an invocation by id.
func GetAgentInvocation(ctx context.Context, q Querier, id string) (*AgentInvocation, error) {
	row := q.QueryRowContext(ctx, agentInvocationSelect+`WHERE id = ?`, id)
	return scanAgentInvocation(row)
}

// UpdateAgentInvocationStatus advances an invocation's status and monotonic
// turn index, optionally recording a terminal error (§4.11).
func UpdateAgentInvocationStatus(ctx context.Context, q Querier, id string, status AgentInvocationStatus, turnIndex int, errMsg string) error {
	res, err := q.ExecContext(ctx, `UPDATE agent_invocations SET status = ?, turn_index = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), turnIndex, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: update agent invocation status: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAgentMessage records one turn of an invocation's transcript, keyed
// by (invocation_id, turn_index).
func AppendAgentMessage(ctx context.Context, q Querier, m AgentMessage) error {
	_, err := q.ExecContext(ctx, `INSERT INTO agent_messages (invocation_id, turn_index, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`, m.InvocationID, m.TurnIndex, m.Role, m.Content, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store: append agent message: %w", err)
	}
	return nil
}

// ListAgentMessages returns an invocation's transcript ordered by turn.
func ListAgentMessages(ctx context.Context, q Querier, invocationID string) ([]AgentMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT invocation_id, turn_index, role, content, created_at
		FROM agent_messages WHERE invocation_id = ? ORDER BY turn_index ASC`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("store: list agent messages: %w", err)
	}
	defer rows.Close()
	var out []AgentMessage
	for rows.Next() {
		var m AgentMessage
		var createdAt string
		if err := rows.Scan(&m.InvocationID, &m.TurnIndex, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan agent message: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const agentInvocationSelect = `SELECT id, run_id, agent_kind, status, turn_index, error, created_at, updated_at FROM agent_invocations `

func scanAgentInvocation(row *sql.Row) (*AgentInvocation, error) {
	var inv AgentInvocation
	var status, createdAt, updatedAt string
	if err := row.Scan(&inv.ID, &inv.RunID, &inv.AgentKind, &status, &inv.TurnIndex, &inv.Error, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan agent invocation: %w", err)
	}
	inv.Status = AgentInvocationStatus(status)
	var err error
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}
