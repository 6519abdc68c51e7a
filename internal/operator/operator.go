// Package operator is the operator-action dispatcher (C9): the seven
// human-triggered actions that move a run through review, rejection,
// retry, policy exceptions, and cancellation (§4.9).
package operator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/gate"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/runstate"
	"github.com/conductor-sh/conductor/internal/store"
)

// Kind enumerates the operator action kinds accepted at POST /api/runs/{id}/actions.
type Kind string

const (
	ApprovePlan          Kind = "approve_plan"
	RevisePlan           Kind = "revise_plan"
	RejectRun            Kind = "reject_run"
	Retry                Kind = "retry"
	GrantPolicyException Kind = "grant_policy_exception"
	DenyPolicyException  Kind = "deny_policy_exception"
	Cancel               Kind = "cancel"
)

const maxPlanRevisions = 3

// Dispatcher applies operator actions: it composes C7 (state machine),
// C8 (gate checks), and C4 (outbox mirror writes) under one audit record
// per action.
type Dispatcher struct {
	log   *events.Log
	queue *queue.Client
}

// New builds a Dispatcher over the shared event log and job queue.
func New(log *events.Log, q *queue.Client) *Dispatcher {
	return &Dispatcher{log: log, queue: q}
}

type blockedContext struct {
	PriorPhase      store.Phase `json:"prior_phase"`
	PolicyID        string      `json:"policy_id"`
	ConstraintKind  string      `json:"constraint_kind"`
	ConstraintValue string      `json:"constraint_value"`
}

// ApprovePlan implements §4.9 approve_plan: precondition phase
// awaiting_plan_approval; gate-checked transition to executing; audit and
// outbox mirror write only after success.
func (d *Dispatcher) ApprovePlan(ctx context.Context, runID, actorID string) (*store.Run, error) {
	_, run, err := gate.EvaluateGatesAndTransition(ctx, d.log, runID, store.PhaseAwaitingPlanApproval,
		runstate.Input{ToPhase: store.PhaseExecuting, ToStep: "implementer_apply_changes", TriggeredBy: actorID, Reason: string(ApprovePlan)})
	if err != nil {
		return nil, err
	}
	if err := d.recordActionAndMirror(ctx, run, actorID, ApprovePlan, "", store.PhaseAwaitingPlanApproval, store.PhaseExecuting, "plan_merge", run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// RevisePlan implements §4.9 revise_plan: precondition awaiting_plan_approval,
// comment required. Increments plan_revisions; past the limit the run is
// blocked instead of looping back to planning.
func (d *Dispatcher) RevisePlan(ctx context.Context, runID, actorID, comment string) (*store.Run, error) {
	const op = "revise_plan"
	if comment == "" {
		return nil, apperr.Validation(op, "comment is required")
	}

	type result struct {
		run *store.Run
	}
	r, err := events.Transact(d.log, ctx, func(ctx context.Context, q store.Querier) (result, *store.Event, error) {
		run, err := store.GetRun(ctx, q, runID)
		if err != nil {
			return result{}, nil, loadRunErr(op, err)
		}
		if run.Phase != store.PhaseAwaitingPlanApproval {
			return result{}, nil, apperr.Conflict(op, "run is not awaiting plan approval")
		}
		if _, err := store.InsertOperatorAction(ctx, q, store.OperatorAction{
			ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
			ActionKind: string(RevisePlan), Comment: comment, FromPhase: string(run.Phase),
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "record action", err)
		}
		revisions, err := store.IncrementPlanRevisions(ctx, q, runID)
		if err != nil {
			return result{}, nil, apperr.Internal(op, "increment plan revisions", err)
		}

		var updated *store.Run
		var evt *store.Event
		if revisions >= maxPlanRevisions {
			blocked := runstate.BlockedRetryLimitExceeded
			updated, evt, err = runstate.Apply(ctx, q, runID, runstate.Input{
				ToPhase: store.PhaseBlocked, TriggeredBy: actorID, Reason: "plan revision limit exceeded",
				BlockedReason: &blocked, BlockedContext: map[string]any{"revisions": revisions},
			})
		} else {
			updated, evt, err = runstate.Apply(ctx, q, runID, runstate.Input{
				ToPhase: store.PhasePlanning, ToStep: "planner_create_plan", TriggeredBy: actorID, Reason: comment,
			})
		}
		if err != nil {
			return result{}, nil, err
		}
		return result{run: updated}, evt, nil
	})
	if err != nil {
		return nil, err
	}
	return r.run, nil
}

// RejectRun implements §4.9 reject_run: precondition awaiting_plan_approval,
// comment required.
func (d *Dispatcher) RejectRun(ctx context.Context, runID, actorID, comment string) (*store.Run, error) {
	const op = "reject_run"
	if comment == "" {
		return nil, apperr.Validation(op, "comment is required")
	}
	run, err := d.recordThenTransition(ctx, op, runID, actorID, RejectRun, comment, store.PhaseAwaitingPlanApproval,
		runstate.Input{ToPhase: store.PhaseCancelled, ToStep: "cleanup", TriggeredBy: actorID, Reason: comment,
			Result: strPtr("cancelled")})
	if err != nil {
		return nil, err
	}
	d.enqueueWorktreeCleanup(ctx, run.ID)
	return run, nil
}

// Retry implements §4.9 retry: precondition blocked. Enqueue precedes
// audit, since the action is only durable once the worker has a job to
// act on.
func (d *Dispatcher) Retry(ctx context.Context, runID, actorID string) error {
	const op = "retry"
	db, err := d.loadRunChecked(ctx, runID, store.PhaseBlocked, op)
	if err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"runId": runID, "action": "resume"})
	if _, err := d.queue.AddJob(ctx, queue.Runs, fmt.Sprintf("run-resume-%s", runID), payload); err != nil {
		return apperr.Transient(op, "enqueue resume job", err)
	}
	_, err = store.InsertOperatorAction(ctx, db, store.OperatorAction{
		ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
		ActionKind: string(Retry), FromPhase: string(store.PhaseBlocked),
	})
	if err != nil {
		return apperr.Internal(op, "record action", err)
	}
	return nil
}

// GrantPolicyException implements §4.9 grant_policy_exception: precondition
// blocked with blocked_reason policy_exception_required; requires
// blocked_context.policy_id and constraint_kind.
func (d *Dispatcher) GrantPolicyException(ctx context.Context, runID, actorID, justification string, scope store.OverrideScope) (*store.Run, error) {
	const op = "grant_policy_exception"
	if justification == "" {
		return nil, apperr.Validation(op, "justification is required")
	}
	switch scope {
	case store.ScopeThisRun, store.ScopeThisTask, store.ScopeThisRepo, store.ScopeProjectWide:
	default:
		return nil, apperr.Validation(op, "scope must be one of this_run, this_task, this_repo, project_wide")
	}

	type result struct{ run *store.Run }
	r, err := events.Transact(d.log, ctx, func(ctx context.Context, q store.Querier) (result, *store.Event, error) {
		run, err := store.GetRun(ctx, q, runID)
		if err != nil {
			return result{}, nil, loadRunErr(op, err)
		}
		if run.Phase != store.PhaseBlocked || run.BlockedReason != string(runstate.BlockedPolicyExceptionNeeded) {
			return result{}, nil, apperr.Conflict(op, "run is not blocked on a policy exception")
		}
		var bc blockedContext
		if run.BlockedContextJSON != "" {
			_ = json.Unmarshal([]byte(run.BlockedContextJSON), &bc)
		}
		if bc.PolicyID == "" || bc.ConstraintKind == "" {
			return result{}, nil, apperr.Validation(op, "blocked context is missing policy_id or constraint_kind")
		}

		if _, err := store.InsertOperatorAction(ctx, q, store.OperatorAction{
			ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
			ActionKind: string(GrantPolicyException), Comment: justification, FromPhase: string(run.Phase),
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "record action", err)
		}
		if _, err := store.InsertOverride(ctx, q, store.Override{
			ID: idgen.New(idgen.PrefixOverride), RunID: runID, Kind: "policy_exception", Scope: scope,
			ConstraintKind: bc.ConstraintKind, ConstraintValue: bc.ConstraintValue, PolicySetID: bc.PolicyID,
			OperatorID: actorID, Justification: justification,
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "record override", err)
		}

		priorPhase := bc.PriorPhase
		if priorPhase == "" {
			priorPhase = store.PhaseExecuting
		}
		updated, evt, err := runstate.Apply(ctx, q, runID, runstate.Input{ToPhase: priorPhase, TriggeredBy: actorID, Reason: "policy exception granted"})
		if err != nil {
			return result{}, nil, err
		}
		if _, err := store.InsertGithubWrite(ctx, q, store.GithubWrite{
			ID: idgen.New(idgen.PrefixGithubWrite), RunID: runID, Kind: "policy_exception_mirror",
			IdempotencyKey: fmt.Sprintf("policy_exception_mirror:%s", runID), PayloadJSON: string(mustJSON(bc)),
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "insert outbox mirror write", err)
		}
		return result{run: updated}, evt, nil
	})
	if err != nil {
		return nil, err
	}
	return r.run, nil
}

// DenyPolicyException implements §4.9 deny_policy_exception: same
// precondition as grant, comment required.
func (d *Dispatcher) DenyPolicyException(ctx context.Context, runID, actorID, comment string) (*store.Run, error) {
	const op = "deny_policy_exception"
	if comment == "" {
		return nil, apperr.Validation(op, "comment is required")
	}
	run, err := d.recordThenTransitionBlockedReason(ctx, op, runID, actorID, DenyPolicyException, comment,
		runstate.BlockedPolicyExceptionNeeded,
		runstate.Input{ToPhase: store.PhaseCancelled, ToStep: "cleanup", TriggeredBy: actorID, Reason: comment, Result: strPtr("cancelled")})
	if err != nil {
		return nil, err
	}
	d.enqueueWorktreeCleanup(ctx, run.ID)
	return run, nil
}

// Cancel implements §4.9 cancel: precondition not terminal. Enqueue
// precedes audit, mirroring Retry's durability ordering; the worker owns
// the actual phase transition and cleanup.
func (d *Dispatcher) Cancel(ctx context.Context, runID, actorID string) error {
	const op = "cancel"
	db, err := d.log.Store().DB()
	if err != nil {
		return apperr.Internal(op, "load db handle", err)
	}
	run, err := store.GetRun(ctx, db, runID)
	if err != nil {
		return loadRunErr(op, err)
	}
	if _, terminal := store.TerminalPhases[run.Phase]; terminal {
		return apperr.Conflict(op, "run is already terminal")
	}

	payload, _ := json.Marshal(map[string]string{"runId": runID, "action": "cancel"})
	if _, err := d.queue.AddJob(ctx, queue.Runs, fmt.Sprintf("run-cancel-%s", runID), payload); err != nil {
		return apperr.Transient(op, "enqueue cancel job", err)
	}
	if _, err := store.InsertOperatorAction(ctx, db, store.OperatorAction{
		ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
		ActionKind: string(Cancel), FromPhase: string(run.Phase),
	}); err != nil {
		return apperr.Internal(op, "record action", err)
	}
	return nil
}

func (d *Dispatcher) enqueueWorktreeCleanup(ctx context.Context, runID string) {
	payload, _ := json.Marshal(map[string]string{"kind": "worktree", "targetId": runID})
	_, _ = d.queue.AddJob(ctx, queue.Cleanup, fmt.Sprintf("cleanup-worktree-%s", runID), payload)
}

func (d *Dispatcher) recordThenTransition(ctx context.Context, op, runID, actorID string, kind Kind, comment string,
	requiredPhase store.Phase, in runstate.Input) (*store.Run, error) {
	type result struct{ run *store.Run }
	r, err := events.Transact(d.log, ctx, func(ctx context.Context, q store.Querier) (result, *store.Event, error) {
		run, err := store.GetRun(ctx, q, runID)
		if err != nil {
			return result{}, nil, loadRunErr(op, err)
		}
		if run.Phase != requiredPhase {
			return result{}, nil, apperr.Conflict(op, fmt.Sprintf("run must be in phase %s", requiredPhase))
		}
		if _, err := store.InsertOperatorAction(ctx, q, store.OperatorAction{
			ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
			ActionKind: string(kind), Comment: comment, FromPhase: string(run.Phase), ToPhase: string(in.ToPhase),
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "record action", err)
		}
		updated, evt, err := runstate.Apply(ctx, q, runID, in)
		if err != nil {
			return result{}, nil, err
		}
		return result{run: updated}, evt, nil
	})
	if err != nil {
		return nil, err
	}
	return r.run, nil
}

func (d *Dispatcher) recordThenTransitionBlockedReason(ctx context.Context, op, runID, actorID string, kind Kind, comment string,
	requiredReason runstate.BlockedReason, in runstate.Input) (*store.Run, error) {
	type result struct{ run *store.Run }
	r, err := events.Transact(d.log, ctx, func(ctx context.Context, q store.Querier) (result, *store.Event, error) {
		run, err := store.GetRun(ctx, q, runID)
		if err != nil {
			return result{}, nil, loadRunErr(op, err)
		}
		if run.Phase != store.PhaseBlocked || run.BlockedReason != string(requiredReason) {
			return result{}, nil, apperr.Conflict(op, "run is not blocked on the expected reason")
		}
		if _, err := store.InsertOperatorAction(ctx, q, store.OperatorAction{
			ID: idgen.New(idgen.PrefixOperatorAction), RunID: runID, ActorID: actorID, ActorType: "user",
			ActionKind: string(kind), Comment: comment, FromPhase: string(run.Phase), ToPhase: string(in.ToPhase),
		}); err != nil {
			return result{}, nil, apperr.Internal(op, "record action", err)
		}
		updated, evt, err := runstate.Apply(ctx, q, runID, in)
		if err != nil {
			return result{}, nil, err
		}
		return result{run: updated}, evt, nil
	})
	if err != nil {
		return nil, err
	}
	return r.run, nil
}

func (d *Dispatcher) recordActionAndMirror(ctx context.Context, run *store.Run, actorID string, kind Kind, comment string,
	fromPhase, toPhase store.Phase, writeKind, targetNodeID string) error {
	db, err := d.log.Store().DB()
	if err != nil {
		return apperr.Internal(string(kind), "load db handle", err)
	}
	if _, err := store.InsertOperatorAction(ctx, db, store.OperatorAction{
		ID: idgen.New(idgen.PrefixOperatorAction), RunID: run.ID, ActorID: actorID, ActorType: "user",
		ActionKind: string(kind), Comment: comment, FromPhase: string(fromPhase), ToPhase: string(toPhase),
	}); err != nil {
		return apperr.Internal(string(kind), "record action", err)
	}
	if _, err := store.InsertGithubWrite(ctx, db, store.GithubWrite{
		ID: idgen.New(idgen.PrefixGithubWrite), RunID: run.ID, Kind: writeKind, TargetNodeID: targetNodeID,
		IdempotencyKey: fmt.Sprintf("%s:%s", writeKind, run.ID),
	}); err != nil {
		return apperr.Internal(string(kind), "insert outbox mirror write", err)
	}
	return nil
}

func (d *Dispatcher) loadRunChecked(ctx context.Context, runID string, requiredPhase store.Phase, op string) (store.Querier, error) {
	db, err := d.log.Store().DB()
	if err != nil {
		return nil, apperr.Internal(op, "load db handle", err)
	}
	run, err := store.GetRun(ctx, db, runID)
	if err != nil {
		return nil, loadRunErr(op, err)
	}
	if run.Phase != requiredPhase {
		return nil, apperr.Conflict(op, fmt.Sprintf("run must be in phase %s", requiredPhase))
	}
	return db, nil
}

func loadRunErr(op string, err error) error {
	if err == store.ErrNotFound {
		return apperr.NotFound(op, "run not found")
	}
	return apperr.Internal(op, "load run", err)
}

func strPtr(s string) *string { return &s }

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
