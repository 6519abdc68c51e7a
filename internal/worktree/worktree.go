// Package worktree manages per-run git checkouts (C10): a bare clone per
// repo under the repo store directory, and one worktree checkout per
// active run, each with its own allocated port range. Every git operation
// shells out, following the same os/exec-per-command shape as a plain
// worktree manager with no daemon process to keep in sync.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/idgen"
	"github.com/conductor-sh/conductor/internal/store"
)

// Manager creates, resolves, and reclaims run worktrees under repoStoreDir,
// namespaced as <projectId>/<repoId>/ (bare clone) and
// <projectId>/<repoId>/runs/<runId>/ (checkout), per §6's persisted state
// layout.
type Manager struct {
	store        *store.Store
	repoStoreDir string
	log          *zap.Logger
}

// New builds a Manager rooted at repoStoreDir.
func New(s *store.Store, repoStoreDir string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: s, repoStoreDir: repoStoreDir, log: log.Named("worktree")}
}

func (m *Manager) bareRepoPath(projectID, repoID string) string {
	return filepath.Join(m.repoStoreDir, projectID, repoID, "bare.git")
}

func (m *Manager) runPath(projectID, repoID, runID string) string {
	return filepath.Join(m.repoStoreDir, projectID, repoID, "runs", runID)
}

// CloneOrFetchRepo idempotently ensures a bare clone of owner/name exists
// under the project's repo store, authenticated with installationToken.
func (m *Manager) CloneOrFetchRepo(ctx context.Context, projectID, repoID, owner, name, installationToken string) error {
	barePath := m.bareRepoPath(projectID, repoID)
	remote := fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", installationToken, owner, name)

	if _, err := os.Stat(barePath); err == nil {
		if err := m.runGit(ctx, barePath, "fetch", "--prune", remote, "+refs/heads/*:refs/heads/*"); err != nil {
			return fmt.Errorf("worktree: fetch %s/%s: %w", owner, name, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(barePath), 0o750); err != nil {
		return fmt.Errorf("worktree: create repo store dir: %w", err)
	}
	if err := m.runGit(ctx, "", "clone", "--bare", remote, barePath); err != nil {
		return fmt.Errorf("worktree: clone %s/%s: %w", owner, name, err)
	}
	return nil
}

// CreateWorktree checks out a new branch for runID from baseBranch,
// allocates ports from the project's range, and inserts an active
// worktree row. Fails with store.ErrDuplicate-equivalent behavior if the
// run already has an active worktree - callers must check
// GetWorktreeForRun first (§4.10).
func (m *Manager) CreateWorktree(ctx context.Context, runID, projectID, repoID string, portStart, portEnd int, baseBranch string) (*store.Worktree, error) {
	db, err := m.store.DB()
	if err != nil {
		return nil, err
	}
	if _, err := store.GetActiveWorktreeForRun(ctx, db, runID); err == nil {
		return nil, fmt.Errorf("worktree: run %s already has an active worktree", runID)
	} else if err != store.ErrNotFound {
		return nil, err
	}

	barePath := m.bareRepoPath(projectID, repoID)
	branchName := fmt.Sprintf("conductor/%s", sanitizeBranchName(runID))
	path := m.runPath(projectID, repoID, runID)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("worktree: create run dir: %w", err)
	}
	if err := m.runGit(ctx, barePath, "worktree", "add", "-b", branchName, path, baseBranch); err != nil {
		return nil, fmt.Errorf("worktree: add worktree: %w", err)
	}

	baseCommit, err := m.runGitOutput(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("worktree: resolve base commit: %w", err)
	}

	worktreeID := idgen.New(idgen.PrefixWorktree)
	var w *store.Worktree
	err = m.store.Transaction(ctx, func(ctx context.Context, q store.Querier) error {
		port, err := store.AllocatePort(ctx, q, projectID, portStart, portEnd, worktreeID)
		if err != nil {
			return fmt.Errorf("worktree: allocate port: %w", err)
		}
		inserted, err := store.InsertWorktree(ctx, q, store.Worktree{
			ID: worktreeID, RunID: runID, ProjectID: projectID, RepoID: repoID,
			Path: path, BranchName: branchName, BaseCommit: baseCommit,
			AllocatedPortsJSON: portsJSON([]int{port}), Status: store.WorktreeActive,
		})
		if err != nil {
			return err
		}
		w = inserted
		return nil
	})
	if err != nil {
		_ = store.ReleasePortsForWorktree(ctx, db, worktreeID)
		_ = m.removeWorktreeDir(ctx, barePath, path)
		return nil, err
	}
	return w, nil
}

// GetWorktreeForRun returns the run's active worktree, or store.ErrNotFound.
func (m *Manager) GetWorktreeForRun(ctx context.Context, runID string) (*store.Worktree, error) {
	db, err := m.store.DB()
	if err != nil {
		return nil, err
	}
	return store.GetActiveWorktreeForRun(ctx, db, runID)
}

// CleanupWorktree marks runID's active worktree cleaned, releases its
// ports, and removes its directory. Idempotent; filesystem failures are
// logged, not returned, matching §4.10's best-effort contract.
func (m *Manager) CleanupWorktree(ctx context.Context, runID string) error {
	db, err := m.store.DB()
	if err != nil {
		return err
	}
	w, err := store.GetActiveWorktreeForRun(ctx, db, runID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	if err := store.UpdateWorktreeStatus(ctx, db, w.ID, store.WorktreeCleaned); err != nil {
		return err
	}
	if err := store.ReleasePortsForWorktree(ctx, db, w.ID); err != nil {
		return err
	}

	barePath := m.bareRepoPath(w.ProjectID, w.RepoID)
	if err := m.removeWorktreeDir(ctx, barePath, w.Path); err != nil {
		m.log.Warn("cleanup worktree directory failed", zap.String("run_id", runID), zap.String("path", w.Path), zap.Error(err))
	}
	return nil
}

// JanitorCounters reports the reconciliation sweep's findings (§4.10).
type JanitorCounters struct {
	MarkedOrphaned   int
	DirectoriesRemoved int
	PortsReleased    int
}

// RunJanitor reconciles worktree rows against the filesystem on worker
// startup: active rows with no directory become orphaned, directories not
// backed by an active row are removed, and ports belonging to non-active
// worktrees are released.
func (m *Manager) RunJanitor(ctx context.Context) (JanitorCounters, error) {
	var counters JanitorCounters
	db, err := m.store.DB()
	if err != nil {
		return counters, err
	}

	active, err := store.ListActiveWorktrees(ctx, db)
	if err != nil {
		return counters, err
	}

	activePaths := make(map[string]bool, len(active))
	for _, w := range active {
		activePaths[w.Path] = true
		if _, statErr := os.Stat(w.Path); os.IsNotExist(statErr) {
			if err := store.UpdateWorktreeStatus(ctx, db, w.ID, store.WorktreeOrphaned); err != nil {
				return counters, err
			}
			counters.MarkedOrphaned++
		}
	}

	runDirs, err := filepath.Glob(filepath.Join(m.repoStoreDir, "*", "*", "runs", "*"))
	if err != nil {
		return counters, fmt.Errorf("worktree: glob run dirs: %w", err)
	}
	for _, dir := range runDirs {
		if activePaths[dir] {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("janitor failed to remove orphaned directory", zap.String("path", dir), zap.Error(err))
			continue
		}
		counters.DirectoriesRemoved++
	}

	released, err := store.ReleaseOrphanedPorts(ctx, db)
	if err != nil {
		return counters, err
	}
	counters.PortsReleased = released
	return counters, nil
}

func (m *Manager) removeWorktreeDir(ctx context.Context, barePath, path string) error {
	if err := m.runGit(ctx, barePath, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return rmErr
		}
		_ = m.runGit(ctx, barePath, "worktree", "prune")
	}
	return nil
}

func (m *Manager) runGit(ctx context.Context, dir string, args ...string) error {
	_, err := m.runGitOutput(ctx, dir, args...)
	return err
}

func (m *Manager) runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %v: %w: %s", args, err, stderr.String())
	}
	return trimNewline(stdout.String()), nil
}

var branchSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeBranchName(name string) string {
	return branchSanitizer.ReplaceAllString(name, "-")
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func portsJSON(ports []int) string {
	strs := make([]string, len(ports))
	for i, p := range ports {
		strs[i] = strconv.Itoa(p)
	}
	out := "["
	for i, s := range strs {
		if i > 0 {
			out += ","
		}
		out += s
	}
	out += "]"
	return out
}
