package agentcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/conductor-sh/conductor/internal/store"
)

func newTestStoreWithWorktree(t *testing.T, runID, path string) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conductor.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	db, err := s.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	ctx := context.Background()
	if _, err := store.InsertUser(ctx, db, store.User{ID: "user_1", ForgeUserID: "1", ForgeLogin: "u"}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := store.InsertProject(ctx, db, store.Project{
		ID: "proj_1", UserID: "user_1", ForgeInstallationID: "inst_1", DefaultBranch: "main",
		PortRangeStart: 20000, PortRangeEnd: 20100,
	}); err != nil {
		t.Fatalf("insert project: %v", err)
	}
	if _, err := store.InsertRepo(ctx, db, store.Repo{ID: "repo_1", ProjectID: "proj_1", Owner: "o", Name: "n"}); err != nil {
		t.Fatalf("insert repo: %v", err)
	}
	if _, err := store.InsertRun(ctx, db, store.Run{
		ID: runID, TaskID: "task_1", ProjectID: "proj_1", RepoID: "repo_1", RunNumber: 1, Branch: "feature",
	}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	if _, err := store.InsertWorktree(ctx, db, store.Worktree{
		ID: "wt_1", RunID: runID, ProjectID: "proj_1", RepoID: "repo_1", Path: path, BranchName: "feature",
	}); err != nil {
		t.Fatalf("insert worktree: %v", err)
	}
	return s
}

func TestInvokeRunsCommandInWorktreeDirAndReturnsStdout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture assumes a POSIX shell")
	}
	dir := t.TempDir()
	s := newTestStoreWithWorktree(t, "run_1", dir)

	script := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\ncat >/dev/null\necho \"reply from $(pwd)\"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	runner := New(s, Config{Command: []string{script}, Timeout: 5 * time.Second}, nil)
	db, _ := s.DB()
	run, err := store.GetRun(context.Background(), db, "run_1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}

	reply, err := runner.Invoke(context.Background(), run, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	resolvedDir, _ := filepath.EvalSymlinks(dir)
	wantSuffix := "reply from " + resolvedDir
	if reply != "reply from "+dir && reply != wantSuffix {
		t.Fatalf("expected reply to report cwd %s, got %q", dir, reply)
	}
}

func TestInvokeReturnsErrorOnNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture assumes a POSIX shell")
	}
	dir := t.TempDir()
	s := newTestStoreWithWorktree(t, "run_1", dir)

	script := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	runner := New(s, Config{Command: []string{script}, Timeout: 5 * time.Second}, nil)
	db, _ := s.DB()
	run, _ := store.GetRun(context.Background(), db, "run_1")

	if _, err := runner.Invoke(context.Background(), run, nil); err == nil {
		t.Fatal("expected error on non-zero exit")
	}
}
