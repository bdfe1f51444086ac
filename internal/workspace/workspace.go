// Package workspace implements C2, the Workspace Manager: a shared
// base-repository cache keyed by RepoKey plus per-subtest git worktrees.
// Locking follows the same gofslock pattern TrellixVulnTeam-chromium-infra's
// cmd/gaedeploy/cache/lock.go uses for its own disk cache; worktree/branch
// plumbing follows kilroy's gitutil idiom, adapted to clone-then-worktree
// instead of kilroy's always-already-local-repo model.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/danshapiro/scylla/internal/gitutil"
	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/scerr"
)

// Manager owns the shared repos/ cache under one experiment root.
type Manager struct {
	ReposRoot string // <results_root>/repos
}

func New(resultsRoot string) *Manager {
	return &Manager{ReposRoot: filepath.Join(resultsRoot, "repos")}
}

// BaseRepoDir returns the on-disk path of the shared base repository for a
// given RepoKey.
func (m *Manager) BaseRepoDir(key model.RepoKey) string {
	return filepath.Join(m.ReposRoot, string(key))
}

func (m *Manager) lockPath(key model.RepoKey) string {
	return filepath.Join(m.ReposRoot, fmt.Sprintf(".%s.lock", key))
}

// EnsureBase implements §4.2 ensure_base: compute the RepoKey, take an
// exclusive file lock scoped to that key, clone if missing, and make sure
// the target commit is present in the object store. The lock guarantees
// at-most-one concurrent clone per repo (Testable Property 3), even across
// unrelated experiment processes sharing the same results root.
func (m *Manager) EnsureBase(ctx context.Context, url, commit string) (model.RepoKey, error) {
	key := model.NewRepoKey(url)
	if err := os.MkdirAll(m.ReposRoot, 0o755); err != nil {
		return key, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "create repos root", err)
	}

	unlock, err := m.lock(ctx, key)
	if err != nil {
		return key, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "acquire repo lock", err)
	}
	defer func() { _ = unlock() }()

	base := m.BaseRepoDir(key)
	if _, err := os.Stat(filepath.Join(base, ".git")); err == nil {
		return key, m.ensureCommit(base, commit)
	}

	if err := gitutil.Clone(url, base); err != nil {
		return key, scerr.Wrap(scerr.TagWorkspaceSetupFailed, "clone base repo", err)
	}
	return key, m.ensureCommit(base, commit)
}

func (m *Manager) ensureCommit(base, commit string) error {
	if _, err := gitutil.CatFileType(base, commit); err == nil {
		return nil
	}
	if err := gitutil.FetchCommit(base, commit); err != nil {
		return scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("fetch commit %s", commit), err)
	}
	return nil
}

// lock acquires an exclusive advisory file lock on repos/.{RepoKey}.lock,
// blocking (retrying every 200ms, mirroring gaedeploy/cache/lock.go) until
// acquired or ctx is done.
func (m *Manager) lock(ctx context.Context, key model.RepoKey) (func() error, error) {
	l := fslock.L{
		Path: m.lockPath(key),
		Block: fslock.Blocker(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return nil
			}
		}),
	}
	handle, err := l.Lock()
	if err != nil {
		return nil, err
	}
	return handle.Unlock, nil
}

// CreateWorktree implements §4.2 create_worktree: materialize
// subtestDir/workspace as a worktree of the shared base, on branch
// "{tier}_{subtest}", checked out at commit. It writes a replay script and
// surfaces an actionable error on branch conflicts.
func (m *Manager) CreateWorktree(key model.RepoKey, subtestDir string, tier model.TierID, subtest model.SubtestID, commit string) (string, error) {
	base := m.BaseRepoDir(key)
	worktreeDir := filepath.Join(subtestDir, "workspace")
	branch := model.BranchName(tier, subtest)

	if gitutil.BranchExists(base, branch) {
		existing, _ := gitutil.ListWorktrees(base)
		return "", scerr.New(scerr.TagWorkspaceSetupFailed, fmt.Sprintf(
			"branch %q already exists for base repo %s; conflicting worktree(s):\n%s",
			branch, base, strings.TrimSpace(existing)))
	}

	if err := os.MkdirAll(subtestDir, 0o755); err != nil {
		return "", scerr.Wrap(scerr.TagWorkspaceSetupFailed, "create subtest dir", err)
	}

	if err := gitutil.AddWorktree(base, worktreeDir, branch, commit); err != nil {
		// git worktree add is atomic from the caller's point of view: on
		// error, the directory is not partially populated, but callers are
		// still responsible for clearing it before retry (§4.2 failure model).
		return "", scerr.Wrap(scerr.TagWorkspaceSetupFailed, "create worktree", err)
	}
	if err := gitutil.CheckoutCommit(worktreeDir, commit); err != nil {
		return "", scerr.Wrap(scerr.TagWorkspaceSetupFailed, "checkout commit in worktree", err)
	}

	if err := m.writeReplayScript(subtestDir, base, worktreeDir, branch, commit); err != nil {
		return "", scerr.Wrap(scerr.TagWorkspaceSetupFailed, "write replay script", err)
	}
	return worktreeDir, nil
}

// RemovePartial removes a worktree directory left behind by a failed
// CreateWorktree attempt, so the caller can retry (§4.2 failure model).
func (m *Manager) RemovePartial(key model.RepoKey, worktreeDir string) {
	base := m.BaseRepoDir(key)
	_ = gitutil.RemoveWorktree(base, worktreeDir)
	_ = os.RemoveAll(worktreeDir)
}

func (m *Manager) writeReplayScript(subtestDir, base, worktreeDir, branch, commit string) error {
	script := fmt.Sprintf(`#!/bin/sh
# Replay of the worktree creation performed for this subtest.
set -eu
git -C %q worktree add -b %q %q %q
git -C %q checkout %q
`, base, branch, worktreeDir, commit, worktreeDir, commit)
	return os.WriteFile(filepath.Join(subtestDir, "worktree_create.sh"), []byte(script), 0o755)
}
