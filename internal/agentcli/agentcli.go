// Package agentcli is the concrete worker.AgentRunner: it invokes an
// external AI coding agent as a subprocess inside the run's worktree, the
// same shell-out idiom internal/worktree uses for git (§4.11: "failure
// semantics are agent-specific, out of scope here beyond status and turn
// index"). The subprocess contract is intentionally minimal — the prior
// transcript goes in on stdin as JSON, the agent's reply comes back as
// stdout — so any CLI-shaped coding agent can be dropped in behind Command.
package agentcli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/store"
)

// Config selects the agent binary and bounds how long one invocation may run.
type Config struct {
	Command []string // e.g. {"claude-code", "--print"}
	Timeout time.Duration
}

// DefaultTimeout bounds a single invocation when Config.Timeout is zero.
const DefaultTimeout = 20 * time.Minute

// Runner shells out to Config.Command once per Invoke call.
type Runner struct {
	store *store.Store
	cfg   Config
	log   *zap.Logger
}

func New(s *store.Store, cfg Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Runner{store: s, cfg: cfg, log: log.Named("agentcli")}
}

// requestEnvelope is the JSON piped to the agent subprocess on stdin.
type requestEnvelope struct {
	RunID      string              `json:"runId"`
	Branch     string              `json:"branch"`
	HeadCommit string              `json:"headCommit"`
	Transcript []store.AgentMessage `json:"transcript"`
}

// Invoke implements worker.AgentRunner. It resolves the run's active
// worktree directory, runs Config.Command with the prior transcript on
// stdin, and returns trimmed stdout as the agent's reply. A subprocess
// that exits non-zero is a permanent failure for this invocation — the
// worker records it on the invocation and does not retry the job, per
// §4.11's "agent-specific, out of scope" failure contract.
func (r *Runner) Invoke(ctx context.Context, run *store.Run, priorMessages []store.AgentMessage) (string, error) {
	if len(r.cfg.Command) == 0 {
		return "", fmt.Errorf("agentcli: no command configured")
	}

	db, err := r.store.DB()
	if err != nil {
		return "", fmt.Errorf("agentcli: open store: %w", err)
	}
	wt, err := store.GetActiveWorktreeForRun(ctx, db, run.ID)
	if err != nil {
		return "", fmt.Errorf("agentcli: resolve worktree: %w", err)
	}

	stdin, err := json.Marshal(requestEnvelope{
		RunID: run.ID, Branch: run.Branch, HeadCommit: run.HeadCommit, Transcript: priorMessages,
	})
	if err != nil {
		return "", fmt.Errorf("agentcli: marshal request: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Dir = wt.Path
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.log.Warn("agent invocation failed", zap.String("run_id", run.ID), zap.Error(err), zap.String("stderr", stderr.String()))
		return "", fmt.Errorf("agentcli: %s: %w: %s", r.cfg.Command[0], err, trimmed(stderr.String()))
	}
	return trimmed(stdout.String()), nil
}

func trimmed(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
