// Package outbox is the github_writes queue consumer (C4): it claims
// pending outbox rows inserted by C7/C8/C9 in the same transaction as the
// state change that required an external write, and executes them against
// the forge, classifying failures as retryable or permanent (§4.4).
package outbox

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/forge"
	"github.com/conductor-sh/conductor/internal/store"
)

// Executor performs one forge write. *forge.Client satisfies this; tests
// supply a fake so they never make a real HTTP call.
type Executor interface {
	Execute(ctx context.Context, w forge.Write) (*forge.Result, error)
}

// Consumer processes github_writes jobs.
type Consumer struct {
	log   *events.Log
	forge Executor
	zlog  *zap.Logger
}

// New builds a Consumer. zlog may be nil.
func New(log *events.Log, f Executor, zlog *zap.Logger) *Consumer {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Consumer{log: log, forge: f, zlog: zlog.Named("outbox")}
}

// JobPayload matches the `github_writes` job contract (§6).
type JobPayload struct {
	GithubWriteID string `json:"githubWriteId"`
	RunID         string `json:"runId"`
	Kind          string `json:"kind"`
	TargetNodeID  string `json:"targetNodeId,omitempty"`
	RetryCount    int    `json:"retryCount,omitempty"`
}

// Handle executes one outbox row. A returned error triggers the queue's own
// retry with backoff (§4.2). A nil return means either that the row reached
// a terminal state (completed or permanently failed; permanent failures are
// recorded, not retried, §7) or that the job had nothing to act on: a
// malformed payload, a missing row, a row already completed or cancelled,
// or a row another worker has already claimed.
func (c *Consumer) Handle(ctx context.Context, payload []byte) error {
	var p JobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.zlog.Error("malformed github_writes payload", zap.Error(err))
		return nil
	}

	db, err := c.log.Store().DB()
	if err != nil {
		return err
	}

	write, err := store.GetGithubWrite(ctx, db, p.GithubWriteID)
	if err != nil {
		c.zlog.Error("outbox row missing", zap.String("github_write_id", p.GithubWriteID), zap.Error(err))
		return nil
	}
	if write.Status == store.WriteStatusCompleted || write.Status == store.WriteStatusCancelled {
		return nil
	}

	if err := store.MarkGithubWriteInFlight(ctx, db, write.ID); err != nil {
		if err == store.ErrPhaseMismatch {
			// Already claimed by another worker or completed concurrently.
			return nil
		}
		return err
	}

	installationID, err := c.resolveInstallation(ctx, db, write.RunID)
	if err != nil {
		return c.fail(ctx, db, write, err)
	}

	result, err := c.forge.Execute(ctx, forge.Write{
		InstallationID: installationID,
		Kind:           write.Kind,
		TargetNodeID:   firstNonEmpty(write.TargetNodeID, p.TargetNodeID),
		PayloadJSON:    write.PayloadJSON,
		IdempotencyKey: write.IdempotencyKey,
	})
	if err != nil {
		return c.fail(ctx, db, write, err)
	}

	if err := store.CompleteGithubWrite(ctx, db, write.ID, result.ID, result.URL); err != nil {
		return err
	}
	if _, err := events.Append(ctx, db, events.Draft{
		ProjectID: write.RunID, RunID: write.RunID, Type: "outbox.write_completed", Class: events.ClassOutbox,
		PayloadJSON: mustJSON(map[string]any{"githubWriteId": write.ID, "kind": write.Kind, "resultId": result.ID, "resultUrl": result.URL}),
	}); err != nil {
		c.zlog.Warn("failed to append outbox completion event", zap.Error(err))
	}
	return nil
}

// fail classifies err and either reverts the row to pending (retryable,
// returning the error so the queue worker retries with backoff) or marks it
// permanently failed (returning nil so the queue does not retry) (§4.4,§7).
func (c *Consumer) fail(ctx context.Context, db store.Querier, write *store.GithubWrite, err error) error {
	if apperr.Retryable(err) {
		if rerr := store.RetryGithubWrite(ctx, db, write.ID, err.Error()); rerr != nil {
			return rerr
		}
		return err
	}

	if ferr := store.FailGithubWritePermanently(ctx, db, write.ID, err.Error()); ferr != nil {
		return ferr
	}
	if _, aerr := events.Append(ctx, db, events.Draft{
		ProjectID: write.RunID, RunID: write.RunID, Type: "outbox.write_failed", Class: events.ClassOutbox,
		PayloadJSON: mustJSON(map[string]any{"githubWriteId": write.ID, "kind": write.Kind, "error": err.Error()}),
	}); aerr != nil {
		c.zlog.Warn("failed to append outbox failure event", zap.Error(aerr))
	}
	return nil
}

func (c *Consumer) resolveInstallation(ctx context.Context, db store.Querier, runID string) (string, error) {
	run, err := store.GetRun(ctx, db, runID)
	if err != nil {
		return "", apperr.Internal("resolveInstallation", "load run", err)
	}
	project, err := store.GetProject(ctx, db, run.ProjectID)
	if err != nil {
		return "", apperr.Internal("resolveInstallation", "load project", err)
	}
	if project.ForgeInstallationID == "" {
		return "", apperr.Permanent("resolveInstallation", "project has no forge installation", nil)
	}
	return project.ForgeInstallationID, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
