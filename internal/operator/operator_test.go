package operator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/gate"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/runstate"
	"github.com/conductor-sh/conductor/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *events.Log, *queue.Client) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	log := events.New(s, 8)

	if err := gate.EnsureBuiltInGateDefinitions(context.Background(), s); err != nil {
		t.Fatalf("seed gates: %v", err)
	}
	// Parent rows for the runs seeded below; the store enforces foreign keys.
	db, _ := s.DB()
	if _, err := store.InsertUser(context.Background(), db, store.User{ID: "user_1", ForgeUserID: "1", ForgeLogin: "octocat"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(context.Background(), db, store.Project{ID: "proj_1", UserID: "user_1", ForgeInstallationID: "inst_1", PortRangeStart: 20000, PortRangeEnd: 20010}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := store.InsertRepo(context.Background(), db, store.Repo{ID: "repo_1", ProjectID: "proj_1", ForgeRepoID: "1", ForgeNodeID: "node_1", Owner: "acme", Name: "widget"}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	if _, err := store.InsertTask(context.Background(), db, store.Task{ID: "task_1", ProjectID: "proj_1", RepoID: "repo_1"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	qc, err := queue.Open(fmt.Sprintf("redis://%s", mr.Addr()), nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = qc.Close() })

	return New(log, qc), log, qc
}

func seedRunInPhase(t *testing.T, ctx context.Context, log *events.Log, phase store.Phase, blockedReason *runstate.BlockedReason, blockedCtx map[string]any) string {
	t.Helper()
	runID := idgen.New(idgen.PrefixRun)
	_, err := events.Transact(log, ctx, func(ctx context.Context, q store.Querier) (any, *store.Event, error) {
		_, err := store.InsertRun(ctx, q, store.Run{ID: runID, TaskID: "task_1", ProjectID: "proj_1", RepoID: "repo_1", RunNumber: 1, Phase: store.PhasePending})
		if err != nil {
			return nil, nil, err
		}
		if phase == store.PhasePending {
			return nil, nil, nil
		}
		_, _, err = runstate.Apply(ctx, q, runID, runstate.Input{ToPhase: store.PhasePlanning, TriggeredBy: "worker"})
		if err != nil || phase == store.PhasePlanning {
			return nil, nil, err
		}
		if phase == store.PhaseBlocked {
			_, _, err = runstate.Apply(ctx, q, runID, runstate.Input{ToPhase: store.PhaseBlocked, TriggeredBy: "worker", BlockedReason: blockedReason, BlockedContext: blockedCtx})
			return nil, nil, err
		}
		_, _, err = runstate.Apply(ctx, q, runID, runstate.Input{ToPhase: phase, TriggeredBy: "worker"})
		return nil, nil, err
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return runID
}

func TestApprovePlanRequiresPassedGate(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval, nil, nil)

	_, err := d.ApprovePlan(ctx, runID, "user_1")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict when gate not passed, got %v", err)
	}

	db, _ := log.Store().DB()
	if _, err := gate.CreateEvaluation(ctx, db, runID, gate.PlanApproval, store.GateKindHuman, store.GateStatusPassed, "", "{}", "evt_1", 1, 0); err != nil {
		t.Fatalf("create evaluation: %v", err)
	}

	run, err := d.ApprovePlan(ctx, runID, "user_1")
	if err != nil {
		t.Fatalf("approve plan: %v", err)
	}
	if run.Phase != store.PhaseExecuting {
		t.Fatalf("expected phase executing, got %s", run.Phase)
	}

	actions, err := store.ListOperatorActionsForRun(ctx, db, runID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 1 || actions[0].ActionKind != string(ApprovePlan) {
		t.Fatalf("expected one approve_plan action recorded, got %+v", actions)
	}
}

func TestRevisePlanBlocksAfterLimit(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval, nil, nil)

	for i := 0; i < maxPlanRevisions-1; i++ {
		run, err := d.RevisePlan(ctx, runID, "user_1", "needs work")
		if err != nil {
			t.Fatalf("revise %d: %v", i, err)
		}
		if run.Phase != store.PhasePlanning {
			t.Fatalf("expected planning after revise %d, got %s", i, run.Phase)
		}
		// Simulate the planner finishing a new plan and resubmitting it.
		db, err := log.Store().DB()
		if err != nil {
			t.Fatalf("db: %v", err)
		}
		if _, _, err := runstate.Apply(ctx, db, runID, runstate.Input{ToPhase: store.PhaseAwaitingPlanApproval, TriggeredBy: "worker"}); err != nil {
			t.Fatalf("resubmit %d: %v", i, err)
		}
	}

	run, err := d.RevisePlan(ctx, runID, "user_1", "still not right")
	if err != nil {
		t.Fatalf("final revise: %v", err)
	}
	if run.Phase != store.PhaseBlocked || run.BlockedReason != string(runstate.BlockedRetryLimitExceeded) {
		t.Fatalf("expected blocked on retry_limit_exceeded, got phase=%s reason=%s", run.Phase, run.BlockedReason)
	}
}

func TestRejectRunRequiresComment(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval, nil, nil)

	_, err := d.RejectRun(ctx, runID, "user_1", "")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	run, err := d.RejectRun(ctx, runID, "user_1", "not viable")
	if err != nil {
		t.Fatalf("reject run: %v", err)
	}
	if run.Phase != store.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", run.Phase)
	}
}

func TestRetryRequiresBlockedPhase(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	runID := seedRunInPhase(t, ctx, log, store.PhasePlanning, nil, nil)

	if err := d.Retry(ctx, runID, "user_1"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for non-blocked run, got %v", err)
	}
}

func TestGrantPolicyExceptionRequiresPolicyFields(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	reason := runstate.BlockedPolicyExceptionNeeded
	runID := seedRunInPhase(t, ctx, log, store.PhaseBlocked, &reason, map[string]any{})

	_, err := d.GrantPolicyException(ctx, runID, "user_1", "approved by lead", store.ScopeThisRun)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for missing policy fields, got %v", err)
	}
}

func TestGrantPolicyExceptionSucceeds(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	reason := runstate.BlockedPolicyExceptionNeeded
	runID := seedRunInPhase(t, ctx, log, store.PhaseBlocked, &reason, map[string]any{
		"policy_id": "pol_1", "constraint_kind": "network_egress", "constraint_value": "*.internal",
	})

	run, err := d.GrantPolicyException(ctx, runID, "user_1", "approved by lead", store.ScopeThisRun)
	if err != nil {
		t.Fatalf("grant policy exception: %v", err)
	}
	if run.Phase != store.PhasePlanning {
		t.Fatalf("expected phase restored to prior_phase planning, got %s", run.Phase)
	}

	db, _ := log.Store().DB()
	overrides, err := store.ListOverridesForRun(ctx, db, runID)
	if err != nil {
		t.Fatalf("list overrides: %v", err)
	}
	if len(overrides) != 1 || overrides[0].ConstraintKind != "network_egress" {
		t.Fatalf("expected one override recorded, got %+v", overrides)
	}
}

func TestCancelRejectsTerminalRun(t *testing.T) {
	ctx := context.Background()
	d, log, _ := newTestDispatcher(t)
	runID := seedRunInPhase(t, ctx, log, store.PhaseCancelled, nil, nil)

	if err := d.Cancel(ctx, runID, "user_1"); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for terminal run, got %v", err)
	}
}
