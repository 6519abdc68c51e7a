package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertWebhookDeliveryIgnoreDuplicate persists a delivery row keyed on
// delivery id, using INSERT OR IGNORE so a replayed delivery is detected as
// a duplicate rather than erroring (§4.5 step 7). Returns (nil, true, nil)
// when the row already existed.
func InsertWebhookDeliveryIgnoreDuplicate(ctx context.Context, q Querier, d WebhookDelivery) (*WebhookDelivery, bool, error) {
	now := time.Now().UTC()
	d.ReceivedAt = now
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO webhook_deliveries
		(delivery_id, event_type, action, repository_node_id, sender_node_id, payload_summary_json, payload_hash, signature_valid, status, job_id, received_at, processed_at, error, ignore_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeliveryID, d.EventType, d.Action, d.RepositoryNodeID, d.SenderNodeID, d.PayloadSummaryJSON, d.PayloadHash,
		boolToInt(d.SignatureValid), string(d.Status), d.JobID, formatTime(now), nullTime(d.ProcessedAt), d.Error, d.IgnoreReason)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert webhook delivery: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return nil, true, nil
	}
	return &d, false, nil
}

// UpdateWebhookDeliveryStatus transitions a delivery's status and optional
// terminal fields (error, ignore reason, job id, processed_at).
func UpdateWebhookDeliveryStatus(ctx context.Context, q Querier, deliveryID string, status DeliveryStatus, jobID, errText, ignoreReason string, setProcessedAt bool) error {
	var processedAt sql.NullString
	if setProcessedAt {
		processedAt = sql.NullString{String: formatTime(time.Now()), Valid: true}
	}
	res, err := q.ExecContext(ctx, `UPDATE webhook_deliveries SET
			status = ?,
			job_id = CASE WHEN ? != '' THEN ? ELSE job_id END,
			error = CASE WHEN ? != '' THEN ? ELSE error END,
			ignore_reason = CASE WHEN ? != '' THEN ? ELSE ignore_reason END,
			processed_at = COALESCE(?, processed_at)
		WHERE delivery_id = ?`,
		string(status), jobID, jobID, errText, errText, ignoreReason, ignoreReason, processedAt, deliveryID)
	if err != nil {
		return fmt.Errorf("store: update webhook delivery: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWebhookDelivery fetches a delivery by id.
func GetWebhookDelivery(ctx context.Context, q Querier, deliveryID string) (*WebhookDelivery, error) {
	row := q.QueryRowContext(ctx, webhookDeliverySelect+`WHERE delivery_id = ?`, deliveryID)
	return scanWebhookDelivery(row)
}

// ListStuckWebhookDeliveries returns deliveries still `received` older than
// since, used by the crash-recovery sweep described in §4.5's invariant: a
// crash between persist and enqueue leaves the row recoverable.
func ListStuckWebhookDeliveries(ctx context.Context, q Querier, since time.Time) ([]WebhookDelivery, error) {
	rows, err := q.QueryContext(ctx, webhookDeliverySelect+`WHERE status = ? AND received_at < ? ORDER BY received_at ASC`,
		string(DeliveryReceived), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: list stuck deliveries: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanWebhookDeliveryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

const webhookDeliverySelect = `SELECT delivery_id, event_type, action, repository_node_id, sender_node_id, payload_summary_json,
	payload_hash, signature_valid, status, job_id, received_at, processed_at, error, ignore_reason
	FROM webhook_deliveries `

func scanWebhookDelivery(row *sql.Row) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var status, receivedAt string
	var sigValid int
	var processedAt sql.NullString
	if err := row.Scan(&d.DeliveryID, &d.EventType, &d.Action, &d.RepositoryNodeID, &d.SenderNodeID, &d.PayloadSummaryJSON,
		&d.PayloadHash, &sigValid, &status, &d.JobID, &receivedAt, &processedAt, &d.Error, &d.IgnoreReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan webhook delivery: %w", err)
	}
	return finishWebhookDelivery(&d, status, sigValid, receivedAt, processedAt)
}

func scanWebhookDeliveryRow(rows *sql.Rows) (*WebhookDelivery, error) {
	var d WebhookDelivery
	var status, receivedAt string
	var sigValid int
	var processedAt sql.NullString
	if err := rows.Scan(&d.DeliveryID, &d.EventType, &d.Action, &d.RepositoryNodeID, &d.SenderNodeID, &d.PayloadSummaryJSON,
		&d.PayloadHash, &sigValid, &status, &d.JobID, &receivedAt, &processedAt, &d.Error, &d.IgnoreReason); err != nil {
		return nil, fmt.Errorf("store: scan webhook delivery: %w", err)
	}
	return finishWebhookDelivery(&d, status, sigValid, receivedAt, processedAt)
}

func finishWebhookDelivery(d *WebhookDelivery, status string, sigValid int, receivedAt string, processedAt sql.NullString) (*WebhookDelivery, error) {
	d.Status = DeliveryStatus(status)
	d.SignatureValid = sigValid != 0
	var err error
	if d.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return nil, err
	}
	if d.ProcessedAt, err = scanNullTime(processedAt); err != nil {
		return nil, err
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
