package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/forge"
	"github.com/conductor-sh/conductor/internal/gate"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/store"
	"github.com/conductor-sh/conductor/internal/worktree"
)

type fakeForge struct {
	token string
}

func (f *fakeForge) Execute(ctx context.Context, w forge.Write) (*forge.Result, error) {
	return &forge.Result{ID: "1"}, nil
}

func (f *fakeForge) InstallationToken(ctx context.Context, installationID string) (string, error) {
	return f.token, nil
}

type fakeAgent struct {
	reply string
	err   error
}

func (f *fakeAgent) Invoke(ctx context.Context, run *store.Run, priorMessages []store.AgentMessage) (string, error) {
	return f.reply, f.err
}

func runGitTest(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func newBareFixture(t *testing.T, reposDir, projectID, repoID string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	workDir := t.TempDir()
	runGitTest(t, workDir, "init", "-q", "-b", "main")
	runGitTest(t, workDir, "config", "user.email", "test@example.com")
	runGitTest(t, workDir, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(workDir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	runGitTest(t, workDir, "add", ".")
	runGitTest(t, workDir, "commit", "-q", "-m", "init")
	barePath := filepath.Join(reposDir, projectID, repoID, "bare.git")
	if err := os.MkdirAll(filepath.Dir(barePath), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	runGitTest(t, "", "clone", "-q", "--bare", workDir, barePath)
}

type testHarness struct {
	worker   *Worker
	store    *store.Store
	log      *events.Log
	reposDir string
}

func newTestHarness(t *testing.T, agent AgentRunner) *testHarness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	log := events.New(s, 8)

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	qc, err := queue.Open("redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = qc.Close() })

	reposDir := t.TempDir()
	wt := worktree.New(s, reposDir, nil)

	w := New(log, qc, wt, &fakeForge{token: "tok"}, agent, DefaultConfig(), nil)
	return &testHarness{worker: w, store: s, log: log, reposDir: reposDir}
}

func seedRun(t *testing.T, s *store.Store) (*store.Run, string) {
	t.Helper()
	ctx := context.Background()
	db, _ := s.DB()
	if _, err := store.InsertUser(ctx, db, store.User{ID: "user_1", ForgeUserID: "1", ForgeLogin: "octocat"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(ctx, db, store.Project{
		ID: "proj_1", UserID: "user_1", ForgeInstallationID: "inst_1", DefaultBranch: "main",
		PortRangeStart: 20000, PortRangeEnd: 20100,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := store.InsertRepo(ctx, db, store.Repo{
		ID: "repo_1", ProjectID: "proj_1", ForgeRepoID: "1", ForgeNodeID: "node_1",
		Owner: "acme", Name: "widget", DefaultBranch: "main", Status: store.RepoActive,
	}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	if _, err := store.InsertTask(ctx, db, store.Task{ID: "task_1", ProjectID: "proj_1", RepoID: "repo_1", Title: "fix bug"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	run, err := store.InsertRun(ctx, db, store.Run{ID: "run_1", TaskID: "task_1", ProjectID: "proj_1", RepoID: "repo_1", RunNumber: 1})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return run, "proj_1"
}

func TestHandleRunStartCreatesWorktreeAndAdvancesPhase(t *testing.T) {
	h := newTestHarness(t, nil)
	run, _ := seedRun(t, h.store)
	newBareFixture(t, h.reposDir, "proj_1", "repo_1")

	payload, _ := json.Marshal(map[string]string{"runId": run.ID, "action": "start"})
	if err := h.worker.handleRun(context.Background(), payload); err != nil {
		t.Fatalf("handle run start: %v", err)
	}

	db, _ := h.store.DB()
	got, err := store.GetRun(context.Background(), db, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Phase != store.PhasePlanning {
		t.Fatalf("expected planning, got %s", got.Phase)
	}
	if _, err := store.GetActiveWorktreeForRun(context.Background(), db, run.ID); err != nil {
		t.Fatalf("expected active worktree: %v", err)
	}
}

func TestHandleRunStartIsIdempotentWhenWorktreeAlreadyExists(t *testing.T) {
	h := newTestHarness(t, nil)
	run, _ := seedRun(t, h.store)
	newBareFixture(t, h.reposDir, "proj_1", "repo_1")

	payload, _ := json.Marshal(map[string]string{"runId": run.ID, "action": "start"})
	if err := h.worker.handleRun(context.Background(), payload); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := h.worker.handleRun(context.Background(), payload); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
}

func TestHandleRunCancelTransitionsAndCleansUpWorktree(t *testing.T) {
	h := newTestHarness(t, nil)
	run, _ := seedRun(t, h.store)
	newBareFixture(t, h.reposDir, "proj_1", "repo_1")

	startPayload, _ := json.Marshal(map[string]string{"runId": run.ID, "action": "start"})
	if err := h.worker.handleRun(context.Background(), startPayload); err != nil {
		t.Fatalf("start: %v", err)
	}

	cancelPayload, _ := json.Marshal(map[string]string{"runId": run.ID, "action": "cancel"})
	if err := h.worker.handleRun(context.Background(), cancelPayload); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	db, _ := h.store.DB()
	got, err := store.GetRun(context.Background(), db, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Phase != store.PhaseCancelled {
		t.Fatalf("expected cancelled, got %s", got.Phase)
	}
	if _, err := store.GetActiveWorktreeForRun(context.Background(), db, run.ID); err != store.ErrNotFound {
		t.Fatalf("expected worktree cleaned up, got err=%v", err)
	}
}

func TestHandleCleanupWorktreeKind(t *testing.T) {
	h := newTestHarness(t, nil)
	run, _ := seedRun(t, h.store)
	newBareFixture(t, h.reposDir, "proj_1", "repo_1")

	startPayload, _ := json.Marshal(map[string]string{"runId": run.ID, "action": "start"})
	if err := h.worker.handleRun(context.Background(), startPayload); err != nil {
		t.Fatalf("start: %v", err)
	}

	cleanupPayload, _ := json.Marshal(map[string]string{"kind": "worktree", "targetId": run.ID})
	if err := h.worker.handleCleanup(context.Background(), cleanupPayload); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	db, _ := h.store.DB()
	if _, err := store.GetActiveWorktreeForRun(context.Background(), db, run.ID); err != store.ErrNotFound {
		t.Fatalf("expected worktree cleaned up, got err=%v", err)
	}
}

func TestRunTimeoutSweepOnceEnqueuesTimeoutJobForOverdueGate(t *testing.T) {
	h := newTestHarness(t, nil)
	run, _ := seedRun(t, h.store)
	ctx := context.Background()
	db, _ := h.store.DB()

	if err := gate.EnsureBuiltInGateDefinitions(ctx, h.store); err != nil {
		t.Fatalf("seed gate definitions: %v", err)
	}
	if _, err := store.UpdateRunPhase(ctx, db, run.ID, store.PhasePending, store.RunPhaseUpdate{ToPhase: store.PhaseAwaitingPlanApproval}); err != nil {
		t.Fatalf("move to awaiting_plan_approval: %v", err)
	}
	overdue := time.Now().UTC().Add(-100 * time.Hour).Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `UPDATE runs SET updated_at = ? WHERE id = ?`, overdue, run.ID); err != nil {
		t.Fatalf("backdate run: %v", err)
	}

	if err := h.worker.RunTimeoutSweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	job, err := h.worker.queue.GetJob(ctx, queue.Runs, "run-timeout-"+run.ID)
	if err != nil {
		t.Fatalf("get enqueued timeout job: %v", err)
	}
	var payload runsJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RunID != run.ID || payload.Action != "timeout" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// A second sweep must not enqueue a duplicate job for the same run.
	if err := h.worker.RunTimeoutSweepOnce(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
}

func TestHandleAgentPersistsInvocationAndMessage(t *testing.T) {
	h := newTestHarness(t, &fakeAgent{reply: "plan drafted"})
	run, _ := seedRun(t, h.store)

	payload, _ := json.Marshal(map[string]string{"runId": run.ID, "agentKind": "planner"})
	if err := h.worker.handleAgent(context.Background(), payload); err != nil {
		t.Fatalf("handle agent: %v", err)
	}

	db, _ := h.store.DB()
	rows, err := db.QueryContext(context.Background(), `SELECT id FROM agent_invocations WHERE run_id = ?`, run.ID)
	if err != nil {
		t.Fatalf("query invocations: %v", err)
	}
	defer rows.Close()
	var invocationID string
	count := 0
	for rows.Next() {
		count++
		_ = rows.Scan(&invocationID)
	}
	if count != 1 {
		t.Fatalf("expected one invocation, got %d", count)
	}

	inv, err := store.GetAgentInvocation(context.Background(), db, invocationID)
	if err != nil {
		t.Fatalf("get invocation: %v", err)
	}
	if inv.Status != store.AgentInvocationCompleted {
		t.Fatalf("expected completed, got %s", inv.Status)
	}

	messages, err := store.ListAgentMessages(context.Background(), db, invocationID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "plan drafted" {
		t.Fatalf("expected one assistant message, got %+v", messages)
	}
}
