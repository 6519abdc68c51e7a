package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/internal/apperr"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/runstate"
	"github.com/conductor-sh/conductor/internal/store"
)

func newTestEnv(t *testing.T) (*store.Store, *events.Log) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	seedParents(t, s)
	return s, events.New(s, 8)
}

// seedParents inserts the user, project, repo and task that seeded runs
// reference; the store enforces foreign keys.
func seedParents(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	db, _ := s.DB()
	if _, err := store.InsertUser(ctx, db, store.User{ID: "user_1", ForgeUserID: "1", ForgeLogin: "octocat"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(ctx, db, store.Project{ID: "proj_1", UserID: "user_1", ForgeInstallationID: "inst_1", PortRangeStart: 20000, PortRangeEnd: 20010}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := store.InsertRepo(ctx, db, store.Repo{ID: "repo_1", ProjectID: "proj_1", ForgeRepoID: "1", ForgeNodeID: "node_1", Owner: "acme", Name: "widget"}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	if _, err := store.InsertTask(ctx, db, store.Task{ID: "task_1", ProjectID: "proj_1", RepoID: "repo_1"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
}

func seedRunInPhase(t *testing.T, ctx context.Context, log *events.Log, phase store.Phase) string {
	t.Helper()
	runID := idgen.New(idgen.PrefixRun)
	_, err := events.Transact(log, ctx, func(ctx context.Context, q store.Querier) (any, *store.Event, error) {
		_, err := store.InsertRun(ctx, q, store.Run{ID: runID, TaskID: "task_1", ProjectID: "proj_1", RepoID: "repo_1", RunNumber: 1, Phase: store.PhasePending})
		if err != nil {
			return nil, nil, err
		}
		if phase != store.PhasePending {
			_, err = store.UpdateRunPhase(ctx, q, runID, store.PhasePending, store.RunPhaseUpdate{ToPhase: phase})
		}
		return nil, nil, err
	})
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return runID
}

func TestEnsureBuiltInGateDefinitionsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestEnv(t)

	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	db, _ := s.DB()
	def, err := store.GetGateDefinition(ctx, db, PlanApproval)
	if err != nil {
		t.Fatalf("get gate definition: %v", err)
	}
	if def.Kind != store.GateKindHuman {
		t.Fatalf("expected human kind, got %s", def.Kind)
	}
}

func TestEvaluateGatesAndTransitionBlocksOnFailingGate(t *testing.T) {
	ctx := context.Background()
	s, log := newTestEnv(t)
	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval)

	db, _ := s.DB()
	if _, err := CreateEvaluation(ctx, db, runID, PlanApproval, store.GateKindHuman, store.GateStatusFailed, "rejected", "{}", "evt_x", 1, 0); err != nil {
		t.Fatalf("create evaluation: %v", err)
	}

	check, run, err := EvaluateGatesAndTransition(ctx, log, runID, store.PhaseAwaitingPlanApproval,
		runstate.Input{ToPhase: store.PhaseExecuting, ToStep: "implementer_apply_changes", TriggeredBy: "operator"})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if check.AllPassed || check.BlockedBy != PlanApproval {
		t.Fatalf("expected blocked by plan_approval, got %+v", check)
	}
	if run != nil {
		t.Fatalf("expected no transition, got %+v", run)
	}

	got, err := store.GetRun(ctx, db, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Phase != store.PhaseAwaitingPlanApproval {
		t.Fatalf("expected phase unchanged, got %s", got.Phase)
	}
}

func TestEvaluateGatesAndTransitionSucceedsWhenGatePassed(t *testing.T) {
	ctx := context.Background()
	s, log := newTestEnv(t)
	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval)

	db, _ := s.DB()
	if _, err := CreateEvaluation(ctx, db, runID, PlanApproval, store.GateKindHuman, store.GateStatusPassed, "", "{}", "evt_x", 1, 0); err != nil {
		t.Fatalf("create evaluation: %v", err)
	}

	check, run, err := EvaluateGatesAndTransition(ctx, log, runID, store.PhaseAwaitingPlanApproval,
		runstate.Input{ToPhase: store.PhaseExecuting, ToStep: "implementer_apply_changes", TriggeredBy: "operator"})
	if err != nil {
		t.Fatalf("evaluate and transition: %v", err)
	}
	if !check.AllPassed {
		t.Fatalf("expected check to pass, got %+v", check)
	}
	if run.Phase != store.PhaseExecuting {
		t.Fatalf("expected phase executing, got %s", run.Phase)
	}
}

func TestDeriveGateStatePicksLatestByCausationSequence(t *testing.T) {
	ctx := context.Background()
	s, log := newTestEnv(t)
	runID := seedRunInPhase(t, ctx, log, store.PhasePending)
	db, _ := s.DB()

	if _, err := CreateEvaluation(ctx, db, runID, TestsPass, store.GateKindAutomatic, store.GateStatusFailed, "", "{}", "evt_1", 1, 0); err != nil {
		t.Fatalf("eval 1: %v", err)
	}
	if _, err := CreateEvaluation(ctx, db, runID, TestsPass, store.GateKindAutomatic, store.GateStatusPassed, "", "{}", "evt_2", 2, 0); err != nil {
		t.Fatalf("eval 2: %v", err)
	}

	state, err := DeriveGateState(ctx, db, runID)
	if err != nil {
		t.Fatalf("derive state: %v", err)
	}
	if state[TestsPass] != store.GateStatusPassed {
		t.Fatalf("expected tests_pass passed, got %s", state[TestsPass])
	}
}

// backdateRunUpdatedAt rewrites a run's updated_at directly, simulating a
// run that has been sitting in a gated phase for a while - the sweep reads
// elapsed time off this column, which normal transitions always set to now.
func backdateRunUpdatedAt(t *testing.T, ctx context.Context, db store.Querier, runID string, age time.Duration) {
	t.Helper()
	then := time.Now().UTC().Add(-age).Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, then, runID); err != nil {
		t.Fatalf("backdate run: %v", err)
	}
}

func TestTimedOutRunIDsReturnsRunsPastGateTimeout(t *testing.T) {
	ctx := context.Background()
	s, log := newTestEnv(t)
	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db, _ := s.DB()

	// plan_approval times out after 72 hours; this run has been waiting 100.
	overdue := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval)
	backdateRunUpdatedAt(t, ctx, db, overdue, 100*time.Hour)

	// This one has only been waiting an hour - not timed out yet.
	fresh := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval)
	backdateRunUpdatedAt(t, ctx, db, fresh, time.Hour)

	ids, err := TimedOutRunIDs(ctx, db, time.Now().UTC())
	if err != nil {
		t.Fatalf("timed out run ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != overdue {
		t.Fatalf("expected only %s timed out, got %v", overdue, ids)
	}
}

func TestTimedOutRunIDsSkipsPassedGates(t *testing.T) {
	ctx := context.Background()
	s, log := newTestEnv(t)
	if err := EnsureBuiltInGateDefinitions(ctx, s); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db, _ := s.DB()

	runID := seedRunInPhase(t, ctx, log, store.PhaseAwaitingPlanApproval)
	backdateRunUpdatedAt(t, ctx, db, runID, 100*time.Hour)
	if _, err := CreateEvaluation(ctx, db, runID, PlanApproval, store.GateKindHuman, store.GateStatusPassed, "", "{}", "evt_1", 1, 0); err != nil {
		t.Fatalf("create evaluation: %v", err)
	}

	ids, err := TimedOutRunIDs(ctx, db, time.Now().UTC())
	if err != nil {
		t.Fatalf("timed out run ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no timed out runs once gate passed, got %v", ids)
	}
}
