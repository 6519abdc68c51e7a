// Package worker is the worker loop (C11): one process consuming all five
// typed queues, wiring the outbox consumer, webhook normalizer, run
// lifecycle handler, agent invocation handler, and cleanup/janitor handler
// onto queue.CreateWorker's consumer pools.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/gate"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/outbox"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/runstate"
	"github.com/conductor-sh/conductor/internal/store"
	"github.com/conductor-sh/conductor/internal/webhook"
	"github.com/conductor-sh/conductor/internal/worktree"
)

// Config tunes per-queue concurrency and the old_jobs drain grace periods.
// Cleanup always runs at concurrency 1, serially, per §5.
type Config struct {
	WebhooksConcurrency     int
	RunsConcurrency         int
	AgentsConcurrency       int
	GithubWritesConcurrency int
	OldJobsCompletedGrace   time.Duration
	OldJobsFailedGrace      time.Duration
	TimeoutSweepInterval    time.Duration
}

// DefaultConfig matches §4.11's defaults: 7-day completed grace, 30-day
// failed grace, concurrency 4 on everything but cleanup, and a 5-minute
// timeout sweep cadence.
func DefaultConfig() Config {
	return Config{
		WebhooksConcurrency: 4, RunsConcurrency: 4, AgentsConcurrency: 4, GithubWritesConcurrency: 4,
		OldJobsCompletedGrace: 7 * 24 * time.Hour, OldJobsFailedGrace: 30 * 24 * time.Hour,
		TimeoutSweepInterval: 5 * time.Minute,
	}
}

// ForgeClient is what the worker needs from the code-forge API boundary:
// outbox.Executor for github_writes dispatch, plus installation token
// issuance for cloning a repo at run start. *forge.Client satisfies this;
// narrowing it to an interface here lets tests fake both without standing
// up real HTTP/JWT machinery.
type ForgeClient interface {
	outbox.Executor
	InstallationToken(ctx context.Context, installationID string) (string, error)
}

// AgentRunner is the boundary to an external AI coding agent. Its contract
// is deliberately narrow (§4.11: "failure semantics are agent-specific, out
// of scope here beyond status and turn index"); the worker is responsible
// only for persisting the invocation record and transcript around one call.
type AgentRunner interface {
	Invoke(ctx context.Context, run *store.Run, priorMessages []store.AgentMessage) (reply string, err error)
}

// Worker owns the five per-queue consumer pools and the shared state they
// dispatch into.
type Worker struct {
	log        *events.Log
	queue      *queue.Client
	worktrees  *worktree.Manager
	forge      ForgeClient
	outbox     *outbox.Consumer
	normalizer *webhook.Normalizer
	agents     AgentRunner
	cfg        Config
	zlog       *zap.Logger

	pools []*queue.Worker
}

// New builds a Worker. agents may be nil, in which case the agents handler
// marks every invocation failed without retry — a deliberately inert
// default until a real agent backend is wired.
func New(log *events.Log, q *queue.Client, worktrees *worktree.Manager, forgeClient ForgeClient,
	agents AgentRunner, cfg Config, zlog *zap.Logger) *Worker {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	return &Worker{
		log: log, queue: q, worktrees: worktrees, forge: forgeClient,
		outbox:     outbox.New(log, forgeClient, zlog),
		normalizer: webhook.NewNormalizer(log, zlog),
		agents:     agents,
		cfg:        cfg,
		zlog:       zlog.Named("worker"),
	}
}

// Start launches all five consumer pools. Call Stop to drain and exit.
func (w *Worker) Start(ctx context.Context) {
	w.pools = []*queue.Worker{
		w.queue.CreateWorker(ctx, queue.Webhooks, w.normalizer.Handle, queue.WorkerOptions{Concurrency: w.cfg.WebhooksConcurrency}),
		w.queue.CreateWorker(ctx, queue.Runs, w.handleRun, queue.WorkerOptions{Concurrency: w.cfg.RunsConcurrency}),
		w.queue.CreateWorker(ctx, queue.Agents, w.handleAgent, queue.WorkerOptions{Concurrency: w.cfg.AgentsConcurrency}),
		w.queue.CreateWorker(ctx, queue.Cleanup, w.handleCleanup, queue.WorkerOptions{Concurrency: 1}),
		w.queue.CreateWorker(ctx, queue.GithubWrites, w.outbox.Handle, queue.WorkerOptions{Concurrency: w.cfg.GithubWritesConcurrency}),
	}
}

// Stop signals every pool to stop accepting work and waits for in-flight
// jobs to finish (§4.11 graceful shutdown). Callers close the queue client
// and store afterward.
func (w *Worker) Stop() {
	for _, p := range w.pools {
		p.Stop()
	}
}

// RunJanitor runs the worktree reconciliation sweep (§4.10c), meant to be
// called once on worker startup before accepting jobs.
func (w *Worker) RunJanitor(ctx context.Context) {
	counters, err := w.worktrees.RunJanitor(ctx)
	if err != nil {
		w.zlog.Error("startup janitor sweep failed", zap.Error(err))
		return
	}
	w.zlog.Info("startup janitor sweep complete",
		zap.Int("marked_orphaned", counters.MarkedOrphaned),
		zap.Int("directories_removed", counters.DirectoriesRemoved),
		zap.Int("ports_released", counters.PortsReleased))
}

// RunTimeoutSweepLoop is the periodic half of the run phase timeout
// mechanism (§4.8, §4.11): every interval, it scans gated runs for elapsed
// gate timeouts and enqueues the `runs`/timeout job that handleRunTimeout
// reacts to. Each tick is one reconciliation pass over the store, the same
// shape as the worktree janitor (RunJanitor), which runs once at startup
// rather than on a ticker; no external scheduler is involved. Runs until
// ctx is cancelled.
func (w *Worker) RunTimeoutSweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultConfig().TimeoutSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunTimeoutSweepOnce(ctx); err != nil {
				w.zlog.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// RunTimeoutSweepOnce runs a single timeout sweep pass. Enqueuing is
// idempotent on jobID, so ticks that overlap a run already sitting in the
// queue just add a no-op.
func (w *Worker) RunTimeoutSweepOnce(ctx context.Context) error {
	db, err := w.log.Store().DB()
	if err != nil {
		return err
	}
	ids, err := gate.TimedOutRunIDs(ctx, db, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("timeout sweep: %w", err)
	}
	for _, runID := range ids {
		payload, _ := json.Marshal(runsJobPayload{RunID: runID, Action: "timeout"})
		if _, err := w.queue.AddJob(ctx, queue.Runs, fmt.Sprintf("run-timeout-%s", runID), payload); err != nil {
			w.zlog.Warn("enqueue timeout job failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return nil
}

// runsJobPayload matches the `runs` job contract (§4.11, §4.9).
type runsJobPayload struct {
	RunID  string `json:"runId"`
	Action string `json:"action"`
}

func (w *Worker) handleRun(ctx context.Context, payload []byte) error {
	var p runsJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		w.zlog.Error("malformed runs payload", zap.Error(err))
		return nil
	}

	db, err := w.log.Store().DB()
	if err != nil {
		return err
	}
	run, err := store.GetRun(ctx, db, p.RunID)
	if err != nil {
		if err == store.ErrNotFound {
			w.zlog.Error("runs job for unknown run", zap.String("run_id", p.RunID))
			return nil
		}
		return err
	}
	if _, terminal := store.TerminalPhases[run.Phase]; terminal {
		return nil
	}

	switch p.Action {
	case "start":
		return w.handleRunStart(ctx, run)
	case "cancel":
		return w.handleRunCancel(ctx, run)
	case "timeout":
		return w.handleRunTimeout(ctx, run)
	case "resume":
		w.zlog.Warn("resume is not implemented in this revision", zap.String("run_id", run.ID))
		return nil
	default:
		w.zlog.Warn("unrecognized runs action", zap.String("run_id", run.ID), zap.String("action", p.Action))
		return nil
	}
}

func (w *Worker) handleRunStart(ctx context.Context, run *store.Run) error {
	_, err := w.worktrees.GetWorktreeForRun(ctx, run.ID)
	if err == nil {
		if run.Phase == store.PhasePending {
			return w.advance(ctx, run.ID, store.PhasePlanning, "planner_create_plan")
		}
		return nil
	} else if err != store.ErrNotFound {
		return err
	}

	db, err := w.log.Store().DB()
	if err != nil {
		return err
	}
	repo, err := store.GetRepo(ctx, db, run.RepoID)
	if err != nil {
		return w.failStart(ctx, run.ID, "repository not found")
	}
	project, err := store.GetProject(ctx, db, repo.ProjectID)
	if err != nil {
		return w.failStart(ctx, run.ID, "project not found")
	}

	token, err := w.forge.InstallationToken(ctx, project.ForgeInstallationID)
	if err != nil {
		if apperr.Retryable(err) {
			return err
		}
		return w.failStart(ctx, run.ID, "failed to obtain installation token")
	}
	if err := w.worktrees.CloneOrFetchRepo(ctx, project.ID, repo.ID, repo.Owner, repo.Name, token); err != nil {
		return w.failStart(ctx, run.ID, "failed to clone or fetch repository")
	}
	baseBranch := run.BaseBranch
	if baseBranch == "" {
		baseBranch = repo.DefaultBranch
	}
	if _, err := w.worktrees.CreateWorktree(ctx, run.ID, project.ID, repo.ID, project.PortRangeStart, project.PortRangeEnd, baseBranch); err != nil {
		return w.failStart(ctx, run.ID, "failed to create worktree")
	}

	return w.advance(ctx, run.ID, store.PhasePlanning, "planner_create_plan")
}

func (w *Worker) advance(ctx context.Context, runID string, toPhase store.Phase, toStep string) error {
	_, err := runstate.Transition(ctx, w.log, runID, runstate.Input{ToPhase: toPhase, ToStep: toStep, TriggeredBy: "worker"})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return err
	}
	return nil
}

// failStart implements markRunFailed (§4.11): sets phase completed, result
// failure, with the given reason.
func (w *Worker) failStart(ctx context.Context, runID, reason string) error {
	result := "failure"
	_, err := runstate.Transition(ctx, w.log, runID, runstate.Input{
		ToPhase: store.PhaseCompleted, TriggeredBy: "worker", Reason: reason,
		Result: &result, ResultReason: &reason,
	})
	if err != nil && apperr.KindOf(err) == apperr.KindConflict {
		return nil
	}
	return err
}

func (w *Worker) handleRunCancel(ctx context.Context, run *store.Run) error {
	result := "cancelled"
	_, err := runstate.Transition(ctx, w.log, run.ID, runstate.Input{
		ToPhase: store.PhaseCancelled, ToStep: "cleanup", TriggeredBy: "worker",
		Reason: "cancelled by operator", Result: &result,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return err
	}
	if err := w.worktrees.CleanupWorktree(ctx, run.ID); err != nil {
		w.zlog.Warn("worktree cleanup failed after cancel", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

func (w *Worker) handleRunTimeout(ctx context.Context, run *store.Run) error {
	result, reason := "failure", "Run timed out"
	_, err := runstate.Transition(ctx, w.log, run.ID, runstate.Input{
		ToPhase: store.PhaseCompleted, TriggeredBy: "worker", Reason: reason,
		Result: &result, ResultReason: &reason,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindConflict {
			return nil
		}
		return err
	}
	if err := w.worktrees.CleanupWorktree(ctx, run.ID); err != nil {
		w.zlog.Warn("worktree cleanup failed after timeout", zap.String("run_id", run.ID), zap.Error(err))
	}
	return nil
}

// agentJobPayload matches the `agents` job contract (§4.11). InvocationID
// is empty for the first turn of a run; the worker creates the invocation
// row in that case, otherwise it continues an existing one.
type agentJobPayload struct {
	RunID        string `json:"runId"`
	AgentKind    string `json:"agentKind"`
	InvocationID string `json:"invocationId,omitempty"`
}

const maxAgentMessageBytes = 100 * 1024

func (w *Worker) handleAgent(ctx context.Context, payload []byte) error {
	var p agentJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		w.zlog.Error("malformed agents payload", zap.Error(err))
		return nil
	}

	db, err := w.log.Store().DB()
	if err != nil {
		return err
	}
	run, err := store.GetRun(ctx, db, p.RunID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if _, terminal := store.TerminalPhases[run.Phase]; terminal {
		return nil
	}

	var inv *store.AgentInvocation
	if p.InvocationID == "" {
		inv, err = store.InsertAgentInvocation(ctx, db, store.AgentInvocation{
			ID: idgen.New(idgen.PrefixAgentInv), RunID: run.ID, AgentKind: p.AgentKind, Status: store.AgentInvocationRunning,
		})
	} else {
		inv, err = store.GetAgentInvocation(ctx, db, p.InvocationID)
	}
	if err != nil {
		return err
	}

	priorMessages, err := store.ListAgentMessages(ctx, db, inv.ID)
	if err != nil {
		return err
	}

	if w.agents == nil {
		return store.UpdateAgentInvocationStatus(ctx, db, inv.ID, store.AgentInvocationFailed, inv.TurnIndex, "no agent backend configured")
	}

	reply, runErr := w.agents.Invoke(ctx, run, priorMessages)
	if runErr != nil {
		if apperr.Retryable(runErr) {
			return runErr
		}
		return store.UpdateAgentInvocationStatus(ctx, db, inv.ID, store.AgentInvocationFailed, inv.TurnIndex, runErr.Error())
	}

	if len(reply) > maxAgentMessageBytes {
		reply = reply[:maxAgentMessageBytes]
	}
	nextTurn := inv.TurnIndex + 1
	if err := store.AppendAgentMessage(ctx, db, store.AgentMessage{InvocationID: inv.ID, TurnIndex: nextTurn, Role: "assistant", Content: reply}); err != nil {
		return err
	}
	return store.UpdateAgentInvocationStatus(ctx, db, inv.ID, store.AgentInvocationCompleted, nextTurn, "")
}

// cleanupJobPayload matches the `cleanup` job contract (§4.11).
type cleanupJobPayload struct {
	Kind     string `json:"kind"`
	TargetID string `json:"targetId,omitempty"`
}

func (w *Worker) handleCleanup(ctx context.Context, payload []byte) error {
	var p cleanupJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		w.zlog.Error("malformed cleanup payload", zap.Error(err))
		return nil
	}

	switch p.Kind {
	case "worktree":
		return w.worktrees.CleanupWorktree(ctx, p.TargetID)
	case "expired_leases":
		_, err := w.worktrees.RunJanitor(ctx)
		return err
	case "old_jobs":
		return w.drainOldJobs(ctx)
	default:
		w.zlog.Warn("unrecognized cleanup kind", zap.String("kind", p.Kind))
		return nil
	}
}

func (w *Worker) drainOldJobs(ctx context.Context) error {
	completedMs := w.cfg.OldJobsCompletedGrace.Milliseconds()
	failedMs := w.cfg.OldJobsFailedGrace.Milliseconds()
	for _, name := range []queue.Name{queue.Webhooks, queue.Runs, queue.Agents, queue.Cleanup, queue.GithubWrites} {
		for {
			ids, err := w.queue.Clean(ctx, name, completedMs, 500, queue.StatusCompleted)
			if err != nil {
				return err
			}
			if len(ids) < 500 {
				break
			}
		}
		for {
			ids, err := w.queue.Clean(ctx, name, failedMs, 500, queue.StatusFailed)
			if err != nil {
				return err
			}
			if len(ids) < 500 {
				break
			}
		}
	}
	return nil
}
